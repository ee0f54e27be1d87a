package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Violation is one row out of the consistency or referential checks.
type Violation struct {
	Check      string `json:"check"`      // "integrity" or "foreign_key"
	Table      string `json:"table"`      // offending table (foreign_key only)
	RowID      int64  `json:"rowid"`      // offending row (foreign_key only)
	Parent     string `json:"parent"`     // referenced table (foreign_key only)
	Detail     string `json:"detail"`     // engine-reported description
	Constraint string `json:"constraint"` // fk index within the table, when known
}

// ValidateIntegrity runs a full consistency check plus a referential check
// and returns the violations found. It reports, never repairs; an empty
// slice means the database is sound.
func (d *DB) ValidateIntegrity(ctx context.Context) ([]Violation, error) {
	var violations []Violation

	rows, err := d.sql.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity_check: %w", err)
	}
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			rows.Close()
			return nil, err
		}
		if detail != "ok" {
			violations = append(violations, Violation{Check: "integrity", Detail: detail})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	fkRows, err := d.sql.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check: %w", err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var v Violation
		var rowid sql.NullInt64
		var fkid sql.NullInt64
		if err := fkRows.Scan(&v.Table, &rowid, &v.Parent, &fkid); err != nil {
			return nil, err
		}
		v.Check = "foreign_key"
		if rowid.Valid {
			v.RowID = rowid.Int64
		}
		if fkid.Valid {
			v.Constraint = fmt.Sprintf("fk_%d", fkid.Int64)
		}
		v.Detail = fmt.Sprintf("%s row %d references missing %s", v.Table, v.RowID, v.Parent)
		violations = append(violations, v)
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	if len(violations) > 0 {
		d.logger.Warn().Int("violations", len(violations)).Msg("Integrity check found violations")
	}
	return violations, nil
}

// CheckpointResult reports one WAL checkpoint.
type CheckpointResult struct {
	WalPages   int `json:"wal_pages"`
	MovedPages int `json:"moved_pages"`
}

// Checkpoint folds the WAL back into the main file and records the result
// in the checkpoints table for diagnostics. Active readers make the
// checkpoint Busy; callers retry on the next cycle.
func (d *DB) Checkpoint(ctx context.Context) (*CheckpointResult, error) {
	var busy, walPages, moved int64
	err := d.sql.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &walPages, &moved)
	if err != nil {
		return nil, fmt.Errorf("wal_checkpoint: %w", err)
	}
	if busy != 0 {
		return nil, NewError(KindBusy, "storage.checkpoint", d.path)
	}

	_, err = d.sql.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpointed_at, wal_pages, moved_pages) VALUES (?, ?, ?)`,
		time.Now().UnixMilli(), walPages, moved)
	if err != nil {
		return nil, fmt.Errorf("record checkpoint: %w", err)
	}

	d.logger.Debug().Int64("wal_pages", walPages).Int64("moved", moved).Msg("Checkpoint completed")
	return &CheckpointResult{WalPages: int(walPages), MovedPages: int(moved)}, nil
}

// RecordMetric persists a named measurement in the metrics table.
func (d *DB) RecordMetric(ctx context.Context, name string, value float64) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO metrics (name, value, recorded_at) VALUES (?, ?, ?)`,
		name, value, time.Now().UnixMilli())
	return err
}
