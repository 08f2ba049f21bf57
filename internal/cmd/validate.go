package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfsync/adapterfactory/internal/config"
	"github.com/shelfsync/adapterfactory/internal/platform"
)

// ValidationOutput is the --json form of a successful validation.
type ValidationOutput struct {
	Valid       bool              `json:"valid"`
	Platforms   []platformSummary `json:"platforms"`
	MaxPoolSize int               `json:"max_pool_size"`
	Pooling     bool              `json:"pooling"`
	Metrics     bool              `json:"metrics"`
	Breaker     bool              `json:"construction_breaker"`
}

type platformSummary struct {
	ID           string   `json:"id"`
	Driver       string   `json:"driver"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func newValidateCmd(load func() (*config.Configuration, error)) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and platform drivers",
		Long: `Load the configuration (file and ADAPTERFACTORY_* environment
overrides), validate it, and resolve every platform's driver. No adapter is
constructed and no network calls are made.

The exit code is 0 when the configuration is usable, 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if _, err := platform.BuildCatalog(cfg.PlatformSpecs(), Drivers()); err != nil {
				return err
			}
			return printValidation(cmd, cfg, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the result as JSON")
	return cmd
}

func printValidation(cmd *cobra.Command, cfg *config.Configuration, asJSON bool) error {
	_, breaker := cfg.BreakerConfig()
	out := ValidationOutput{
		Valid:       true,
		MaxPoolSize: cfg.Factory.MaxPoolSize,
		Pooling:     cfg.Factory.EnablePooling,
		Metrics:     cfg.Monitoring.Metrics.Enabled,
		Breaker:     breaker,
	}
	for _, spec := range cfg.PlatformSpecs() {
		out.Platforms = append(out.Platforms, platformSummary{
			ID:           spec.ID,
			Driver:       spec.Driver,
			Version:      spec.Version,
			Capabilities: spec.Capabilities,
		})
	}

	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "configuration valid: %d platform(s), pool size %d, pooling %t\n",
		len(out.Platforms), out.MaxPoolSize, out.Pooling)
	for _, p := range out.Platforms {
		fmt.Fprintf(w, "  %-12s driver=%s version=%s\n", p.ID, p.Driver, p.Version)
	}
	return nil
}
