// Package commands implements the companion command line.
package commands

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/backkem/trustagent/pkg/config"
)

var (
	home     string
	addr     string
	logLevel string
	timeout  time.Duration

	state   *State
	loggers *config.LoggerFactory
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "companion",
		Short:        "Companion device for a trust agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".trustagent-companion")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			lf, err := config.NewLoggerFactory(config.LoggingConfig{Level: logLevel}, os.Stderr)
			if err != nil {
				return err
			}
			loggers = lf

			st, err := OpenState(home, loggers)
			if err != nil {
				return err
			}
			state = st
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if state != nil {
				return state.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.trustagent-companion)")
	root.PersistentFlags().StringVar(&addr, "addr", "", "agent address host:port (default: discover with mDNS)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")

	root.AddCommand(enrollCmd(), unlockCmd(), listCmd())
	return root.Execute()
}
