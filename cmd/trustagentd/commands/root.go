// Package commands implements the trustagentd command line.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/backkem/trustagent/pkg/config"
)

var (
	home       string
	configPath string
	logLevel   string

	loader  *config.Loader
	cfg     *config.Config
	loggers *config.LoggerFactory
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "trustagentd",
		Short:        "Trusted-device agent for BLE enrollment and unlock",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home != "" {
				if err := os.Setenv("TRUSTAGENT_HOME", home); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(config.DefaultDir(), 0o700); err != nil {
				return err
			}
			if configPath == "" {
				configPath = filepath.Join(config.DefaultDir(), "config.toml")
			}

			loader = config.NewLoader(configPath)
			c, err := loader.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				c.Logging.Level = logLevel
			}
			lf, err := config.NewLoggerFactory(c.Logging, os.Stderr)
			if err != nil {
				return err
			}
			cfg, loggers = c, lf
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if loader != nil {
				return loader.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.trustagent)")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default <home>/config.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	root.AddCommand(serveCmd(), devicesCmd(), configCmd())
	return root.Execute()
}
