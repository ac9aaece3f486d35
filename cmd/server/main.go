package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"flowgate/internal/app/server"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "flowgate",
		Short: "FlowGate traffic accounting and quota enforcement control plane",
		Long: "FlowGate meters per-user traffic reported by a proxy engine, enforces\n" +
			"byte quotas, and answers the engine's admission callbacks.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			absPath := ""
			if configPath != "" {
				var err error
				absPath, err = filepath.Abs(configPath)
				if err != nil {
					return fmt.Errorf("failed to resolve config path: %w", err)
				}
			}

			cfg, err := server.LoadConfig(absPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			srv, err := server.New(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("failed to assemble server: %w", err)
			}

			srv.DisplayStartupBanner(absPath)
			return srv.Run()
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults apply when omitted)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
