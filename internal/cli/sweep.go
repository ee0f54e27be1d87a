package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepTTLHours int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire episodic memories past their TTL",
	Long: `Soft-delete episodic memory entries older than the retention TTL.
Expired entries stay readable by explicit version.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().IntVar(&sweepTTLHours, "ttl-hours", 0, "override the configured TTL")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	ttl := time.Duration(cfg.Retention.EpisodicTTLHours) * time.Hour
	if sweepTTLHours > 0 {
		ttl = time.Duration(sweepTTLHours) * time.Hour
	}

	swept, err := eng.SweepExpiredEpisodic(context.Background(), ttl)
	if err != nil {
		return err
	}

	fmt.Printf("Swept %d expired episodic entries (TTL %s)\n", swept, ttl)
	return nil
}
