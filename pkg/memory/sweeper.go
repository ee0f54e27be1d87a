package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/abathur/memstore/internal/observability"
	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/storage"
)

const (
	// DefaultEpisodicTTL keeps episodic entries for a week before the sweep
	// tombstones them.
	DefaultEpisodicTTL = 7 * 24 * time.Hour
	// DefaultSweepSchedule runs the sweep hourly.
	DefaultSweepSchedule = "@hourly"

	sweepActor = "retention-sweeper"
)

// SweepExpiredEpisodic batch soft-deletes episodic entries whose current
// version is older than ttl. Semantic and procedural entries are never
// swept. Returns the number of keys tombstoned.
func (s *Store) SweepExpiredEpisodic(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, storage.NewError(storage.KindValidation, "memory.sweep", fmt.Sprintf("ttl %s", ttl))
	}
	cutoff := time.Now().Add(-ttl).UnixMilli()
	start := time.Now()

	var swept int
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT m.namespace, m.key
			FROM memory_entries m
			INNER JOIN (
				SELECT namespace, key, MAX(version) AS max_ver
				FROM memory_entries
				GROUP BY namespace, key
			) latest ON m.namespace = latest.namespace AND m.key = latest.key AND m.version = latest.max_ver
			WHERE m.is_deleted = 0 AND m.memory_type = ? AND m.updated_at < ?`,
			TypeEpisodic, cutoff)
		if err != nil {
			return err
		}

		type pair struct{ ns, key string }
		var expired []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.ns, &p.key); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range expired {
			if _, err := insertTombstone(ctx, tx, p.ns, p.key, sweepActor, "memory.sweep"); err != nil {
				return err
			}
			if _, err := s.audit.RecordTx(ctx, tx, audit.EntityMemory, entryRef(p.ns, p.key), "expire", sweepActor); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	observability.RecordMemoryWrite("sweep", time.Since(start), err == nil)
	if err != nil {
		return 0, storage.WrapError("memory.sweep", "episodic", err)
	}

	if swept > 0 {
		s.logger.Info().Int("swept", swept).Dur("ttl", ttl).Msg("Expired episodic entries tombstoned")
		s.updateVersionMetric(ctx)
	}
	return swept, nil
}

// Sweeper runs the episodic retention sweep on a schedule, never inline
// with a caller request.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
}

// NewSweeper creates a scheduled sweeper. Zero values fall back to the
// defaults above.
func NewSweeper(store *Store, ttl time.Duration, schedule string, logger zerolog.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultEpisodicTTL
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger,
	}
}

// Start begins the schedule.
func (sw *Sweeper) Start() error {
	if sw.cron != nil {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New()
	_, err := c.AddFunc(sw.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := sw.store.SweepExpiredEpisodic(ctx, sw.ttl); err != nil {
			sw.logger.Error().Err(err).Msg("Episodic sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", sw.schedule, err)
	}

	c.Start()
	sw.cron = c
	sw.logger.Info().Str("schedule", sw.schedule).Dur("ttl", sw.ttl).Msg("Retention sweeper started")
	return nil
}

// Stop halts the schedule, letting an in-flight sweep finish.
func (sw *Sweeper) Stop() {
	if sw.cron == nil {
		return
	}
	<-sw.cron.Stop().Done()
	sw.cron = nil
	sw.logger.Info().Msg("Retention sweeper stopped")
}
