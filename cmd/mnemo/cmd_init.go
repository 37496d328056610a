package main

import (
	"fmt"
	"os"

	"mnemo/internal/config"

	"github.com/spf13/cobra"
)

// initCmd prepares the home directory
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the mnemo home directory",
	Long: `Creates the home directory (default ~/.mnemo, override with
MNEMO_HOME), writes a starter config.yaml when none exists, and opens
the database once so the schema is migrated and ready.`,
	Args: noArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	home := config.HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	path := config.DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
	} else {
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote %s\n", path)
	}

	// Opening the store runs any pending migrations.
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.store.GetStats()
	if err != nil {
		return err
	}
	fmt.Printf("Database ready at %s (schema v%d)\n", cfg.DatabasePath(), st.SchemaVersion)
	return nil
}
