// Package cmd holds the adapterd command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/shelfsync/adapterfactory/internal/config"
	"github.com/shelfsync/adapterfactory/internal/platform"
	"github.com/shelfsync/adapterfactory/internal/platform/s3archive"
)

// Drivers maps the driver names accepted in configuration to constructors.
func Drivers() map[string]platform.Constructor {
	return map[string]platform.Constructor{
		"s3archive": s3archive.Constructor,
	}
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "adapterd",
		Short: "Platform adapter factory",
		Long: `adapterd manufactures, pools and supervises platform adapters that
extract library data from bookstore platforms. Pool state, health and
metrics are served over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML)")

	load := func() (*config.Configuration, error) {
		return loadConfig(configFile)
	}
	root.AddCommand(newServeCmd(load), newValidateCmd(load))
	return root
}

// loadConfig layers defaults, the optional file and environment overrides,
// then validates the result.
func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
