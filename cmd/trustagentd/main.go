// Command trustagentd runs the trusted-device agent.
package main

import (
	"os"

	"github.com/backkem/trustagent/cmd/trustagentd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
