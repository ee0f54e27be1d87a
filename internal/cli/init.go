package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/abathur/memstore/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the datastore and default configuration",
	Long: `Create the data directory, write a default configuration file when
none exists, and initialize the database schema.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// Persist the effective config so later runs see the same settings.
	if err := config.NewLoader(cfgFile).Save(cfg); err != nil {
		return err
	}

	eng, log, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	defer eng.Close()

	fmt.Printf("Initialized datastore at %s\n", cfg.Storage.Path)
	return nil
}
