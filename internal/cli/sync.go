package cli

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [path...]",
	Short: "Index documents",
	Long: `Index the given markdown files or directories. Directories are
walked recursively; unchanged files are skipped by content hash.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
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

	ctx := context.Background()
	indexed := 0
	skipped := 0
	failed := 0

	for _, root := range args {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
				return nil
			}
			result, err := eng.SyncDocument(ctx, path)
			if err != nil {
				failed++
				fmt.Printf("  failed: %s (%v)\n", path, err)
				return nil
			}
			if result.Indexed {
				indexed++
				fmt.Printf("  indexed: %s (%d chunks)\n", path, result.ChunkCount)
			} else {
				skipped++
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	fmt.Printf("Sync completed: %d indexed, %d unchanged, %d failed\n", indexed, skipped, failed)
	return nil
}
