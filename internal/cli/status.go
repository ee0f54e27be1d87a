package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show datastore status",
	Long:  `Show session, memory, index, and audit counts for the datastore.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	st, err := eng.Status(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n", st.DBPath)

	fmt.Println("Sessions:")
	statuses := make([]string, 0, len(st.SessionsByStatus))
	for s := range st.SessionsByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	if len(statuses) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range statuses {
		fmt.Printf("  %-10s %d\n", s, st.SessionsByStatus[s])
	}

	fmt.Printf("Memory entries: %d (%d versions)\n", st.MemoryEntries, st.MemoryVersions)
	fmt.Printf("Documents: %d (%d chunks", st.Index.TotalDocuments, st.Index.TotalChunks)
	if st.Index.InFlightCount > 0 {
		fmt.Printf(", %d syncing", st.Index.InFlightCount)
	}
	if st.Index.FailedCount > 0 {
		fmt.Printf(", %d failed", st.Index.FailedCount)
	}
	if st.Index.StaleCount > 0 {
		fmt.Printf(", %d stale", st.Index.StaleCount)
	}
	fmt.Println(")")
	fmt.Printf("Audit records: %d\n", st.AuditRecords)
	if st.LastCheckpoint != nil {
		fmt.Printf("Last checkpoint: %s\n", st.LastCheckpoint.Format("2006-01-02 15:04:05 MST"))
	}

	return nil
}
