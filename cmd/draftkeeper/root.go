package main

import (
	"fmt"
	"os"

	"github.com/aretw0/draftkeeper"
	"github.com/aretw0/draftkeeper/pkg/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "draftkeeper",
	Short: "Draftkeeper keeps AI drafting sessions alive across devices",
	Long: `Draftkeeper manages long-running drafting sessions: lifecycle rules,
per-user limits, multi-device synchronization and idle expiry, on a memory,
Redis or MongoDB store.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON config file (DRAFTKEEPER_* env vars override it)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

// openStack builds the stack for one-shot commands. Background loops are not started.
func openStack(cmd *cobra.Command) (*draftkeeper.Stack, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return draftkeeper.New(cmd.Context(), cfg)
}
