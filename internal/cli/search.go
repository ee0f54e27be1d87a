package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	searchLimit          int
	searchExactWeight    float64
	searchSemanticWeight float64
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid search over indexed documents",
	Long: `Search the document index with combined exact (FTS5) and semantic
(vector) scoring.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum results")
	searchCmd.Flags().Float64Var(&searchExactWeight, "exact-weight", 0.3, "weight of the exact match arm")
	searchCmd.Flags().Float64Var(&searchSemanticWeight, "semantic-weight", 0.7, "weight of the semantic arm")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
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

	query := strings.Join(args, " ")
	opts := searchOptions(searchLimit, searchExactWeight, searchSemanticWeight)

	resp, err := eng.HybridSearch(context.Background(), query, opts)
	if err != nil {
		return err
	}

	if resp.Degraded {
		fmt.Println("(degraded: one search arm unavailable)")
	}
	if len(resp.Results) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, r := range resp.Results {
		fmt.Printf("%d. %s#%d (score %.3f)\n", i+1, r.FilePath, r.ChunkIndex, r.Score)
		snippet := r.Content
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		fmt.Printf("   %s\n", strings.ReplaceAll(snippet, "\n", " "))
	}

	return nil
}
