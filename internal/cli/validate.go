package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check database integrity",
	Long: `Run SQLite's integrity and foreign-key checks against the
datastore. Violations are reported, never repaired.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, log, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	defer eng.Close()

	violations, err := eng.ValidateIntegrity(context.Background())
	if err != nil {
		return err
	}

	if len(violations) == 0 {
		fmt.Println("Database is sound.")
		return nil
	}

	fmt.Printf("Found %d violations:\n", len(violations))
	for _, v := range violations {
		fmt.Printf("  [%s] %s\n", v.Check, v.Detail)
	}
	return fmt.Errorf("integrity check failed")
}
