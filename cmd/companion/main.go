// Command companion enrolls with and unlocks a trust agent over the stream
// transport.
package main

import (
	"os"

	"github.com/backkem/trustagent/cmd/companion/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
