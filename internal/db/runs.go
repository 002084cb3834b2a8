package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/actionunit/aumanager/backend/internal/models"
)

// RunRecord is one row of the sync run history.
type RunRecord struct {
	ID            int64  `db:"id"`
	StartedAt     int64  `db:"started_at"`
	FinishedAt    int64  `db:"finished_at"`
	Success       bool   `db:"success"`
	SyncedItems   int    `db:"synced_items"`
	FailedItems   int    `db:"failed_items"`
	DeferredItems int    `db:"deferred_items"`
	AuthFailed    bool   `db:"auth_failed"`
	Errors        string `db:"errors"`
}

// Result converts the row back into a SyncResult.
func (r RunRecord) Result() models.SyncResult {
	res := models.SyncResult{
		Success:       r.Success,
		SyncedItems:   r.SyncedItems,
		FailedItems:   r.FailedItems,
		DeferredItems: r.DeferredItems,
		AuthFailed:    r.AuthFailed,
		Timestamp:     time.Unix(r.FinishedAt, 0),
	}
	// Rows are only written by Record, which always stores a JSON array.
	_ = json.Unmarshal([]byte(r.Errors), &res.Errors)
	return res
}

// RunLog persists the outcome of every sync run.
type RunLog struct {
	db *sqlx.DB
}

// NewRunLog creates a RunLog over an opened database.
func NewRunLog(db *DB) *RunLog {
	return &RunLog{db: db.DB}
}

// Record stores a finished run.
func (l *RunLog) Record(ctx context.Context, started time.Time, res models.SyncResult) error {
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	encoded, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}

	row := RunRecord{
		StartedAt:     started.Unix(),
		FinishedAt:    res.Timestamp.Unix(),
		Success:       res.Success,
		SyncedItems:   res.SyncedItems,
		FailedItems:   res.FailedItems,
		DeferredItems: res.DeferredItems,
		AuthFailed:    res.AuthFailed,
		Errors:        string(encoded),
	}
	_, err = l.db.NamedExecContext(ctx,
		`INSERT INTO sync_runs (started_at, finished_at, success, synced_items, failed_items, deferred_items, auth_failed, errors)
		 VALUES (:started_at, :finished_at, :success, :synced_items, :failed_items, :deferred_items, :auth_failed, :errors)`,
		row)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	var rows []RunRecord
	err := l.db.SelectContext(ctx, &rows,
		"SELECT * FROM sync_runs ORDER BY finished_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return rows, nil
}

// Prune keeps only the newest keep runs.
func (l *RunLog) Prune(ctx context.Context, keep int) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM sync_runs WHERE id NOT IN (
			SELECT id FROM sync_runs ORDER BY finished_at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("prune sync runs: %w", err)
	}
	return nil
}
