// Package queue provides the durable mutation queue for offline operations.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/uuid"
)

// Key is the storage key of the queue blob.
const Key = "actionunit_sync_queue"

// DefaultMaxRetries is the number of failed attempts before an entry is
// dead-lettered.
const DefaultMaxRetries = 5

// Queue is an ordered, durable list of pending remote operations. Every
// mutating call is a read-modify-write of the queue blob inside one KV
// transaction.
type Queue struct {
	kv         *db.KV
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over kv.
func New(kv *db.KV, opts ...Option) *Queue {
	q := &Queue{
		kv:         kv,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		newID:      uuid.New,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxRetries returns the retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

func load(ctx context.Context, acc db.Accessor) ([]models.QueueEntry, error) {
	raw, ok, err := acc.Get(ctx, Key)
	if err != nil {
		return nil, apperrors.Storage("read sync queue", err)
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var entries []models.QueueEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A corrupt queue is surfaced rather than treated as empty, which
		// would silently drop every pending mutation.
		return nil, apperrors.Storage("decode sync queue", err)
	}
	return entries, nil
}

func save(ctx context.Context, acc db.Accessor, entries []models.QueueEntry) error {
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return apperrors.Storage("encode sync queue", err)
	}
	if err := acc.Put(ctx, Key, raw); err != nil {
		return apperrors.Storage("write sync queue", err)
	}
	return nil
}

func (q *Queue) update(ctx context.Context, fn func(tx *db.Tx) error) error {
	return q.kv.Update(ctx, fn)
}

// Enqueue records a mutation of entity in its own transaction.
// See EnqueueTx for the collapse rules.
func (q *Queue) Enqueue(ctx context.Context, op models.Operation, entity models.Entity) (string, error) {
	var id string
	err := q.update(ctx, func(tx *db.Tx) error {
		var err error
		id, err = q.EnqueueTx(ctx, tx, op, entity)
		return err
	})
	return id, err
}

// EnqueueTx records a mutation of entity through acc, so the caller can
// commit it together with the entity write.
//
// CREATE and UPDATE resolve by origin: an entity the server has never
// confirmed is created, a confirmed one is updated. Earlier entries for the
// same entity are replaced by the new one (latest payload wins). Deleting an
// entity the server never saw cancels its pending entries and enqueues
// nothing; the returned id is empty in that case.
func (q *Queue) EnqueueTx(ctx context.Context, acc db.Accessor, op models.Operation, entity models.Entity) (string, error) {
	et := entity.EntityType()
	if et == models.TypeSubscription {
		return "", apperrors.New(apperrors.ErrInvalid, "subscriptions are server-owned and never queued")
	}
	meta := entity.Meta()
	if meta.ID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "cannot queue an entity without id")
	}

	entries, err := load(ctx, acc)
	if err != nil {
		return "", err
	}

	kept := entries[:0]
	superseded := 0
	for _, e := range entries {
		if e.EntityType == et && e.EntityID == meta.ID {
			superseded++
			continue
		}
		kept = append(kept, e)
	}
	entries = kept

	resolved := op
	switch op {
	case models.OpDelete:
		if meta.IsLocal() {
			logging.Debug("[SyncQueue] Dropped never-synced entity", map[string]interface{}{
				"entity_type": et, "entity_id": meta.ID, "superseded": superseded,
			})
			return "", save(ctx, acc, entries)
		}
	case models.OpCreate, models.OpUpdate:
		if meta.IsLocal() {
			resolved = models.OpCreate
		} else {
			resolved = models.OpUpdate
		}
	default:
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", op))
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return "", apperrors.Storage("encode queue payload", err)
	}

	entry := models.QueueEntry{
		ID:         q.newID(),
		EntityType: et,
		EntityID:   meta.ID,
		Operation:  resolved,
		LocalData:  payload,
		Timestamp:  q.now(),
		Owner:      entity.Owner(),
	}
	entries = append(entries, entry)
	if err := save(ctx, acc, entries); err != nil {
		return "", err
	}

	logging.Debug("[SyncQueue] Enqueued operation", map[string]interface{}{
		"entry_id": entry.ID, "operation": resolved, "entity_type": et,
		"entity_id": meta.ID, "superseded": superseded,
	})
	return entry.ID, nil
}

// Pending returns live entries in insertion order, optionally restricted to
// the given entity types. Dead-lettered entries are excluded.
func (q *Queue) Pending(ctx context.Context, types ...models.EntityType) ([]models.QueueEntry, error) {
	entries, err := load(ctx, q.kv)
	if err != nil {
		return nil, err
	}
	want := make(map[models.EntityType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	var out []models.QueueEntry
	for _, e := range entries {
		if e.Dead {
			continue
		}
		if len(want) > 0 && !want[e.EntityType] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Queued reports whether a live entry for the given entity is waiting.
func (q *Queue) Queued(ctx context.Context, t models.EntityType, id string) (bool, error) {
	entries, err := load(ctx, q.kv)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.Dead && e.EntityType == t && e.EntityID == id {
			return true, nil
		}
	}
	return false, nil
}

// List returns every entry, dead-lettered ones included.
func (q *Queue) List(ctx context.Context) ([]models.QueueEntry, error) {
	return load(ctx, q.kv)
}

// Get returns a single entry.
func (q *Queue) Get(ctx context.Context, id string) (models.QueueEntry, bool, error) {
	entries, err := load(ctx, q.kv)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

// Complete removes entries after confirmed remote success. Unknown ids are
// ignored, so completing twice is the same as completing once.
func (q *Queue) Complete(ctx context.Context, ids ...string) error {
	return q.update(ctx, func(tx *db.Tx) error {
		return q.CompleteTx(ctx, tx, ids...)
	})
}

// CompleteTx is Complete bound to the caller's transaction.
func (q *Queue) CompleteTx(ctx context.Context, acc db.Accessor, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	entries, err := load(ctx, acc)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return nil
	}
	if err := save(ctx, acc, kept); err != nil {
		return err
	}
	logging.Debug("[SyncQueue] Completed operations", map[string]interface{}{"count": removed})
	return nil
}

// RecordFailure increments an entry's retry count and stores cause. It
// reports whether the entry crossed the retry ceiling and is now dead.
// An unknown id is a no-op.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) (bool, error) {
	dead := false
	err := q.update(ctx, func(tx *db.Tx) error {
		entries, err := load(ctx, tx)
		if err != nil {
			return err
		}
		for i := range entries {
			if entries[i].ID != id {
				continue
			}
			e := &entries[i]
			e.RetryCount++
			if cause != nil {
				e.LastError = cause.Error()
			}
			if e.RetryCount >= q.maxRetries {
				e.Dead = true
				dead = true
				logging.Warn("[SyncQueue] Operation dead-lettered", map[string]interface{}{
					"entry_id": id, "entity_type": e.EntityType, "entity_id": e.EntityID,
					"retry_count": e.RetryCount, "last_error": e.LastError,
				})
			} else {
				logging.Info("[SyncQueue] Operation failed, will retry", map[string]interface{}{
					"entry_id": id, "retry_count": e.RetryCount, "max_retries": q.maxRetries,
					"last_error": e.LastError,
				})
			}
			return save(ctx, tx, entries)
		}
		return nil
	})
	return dead, err
}

// DeadLetters returns the entries that exhausted their retries.
func (q *Queue) DeadLetters(ctx context.Context) ([]models.QueueEntry, error) {
	entries, err := load(ctx, q.kv)
	if err != nil {
		return nil, err
	}
	var out []models.QueueEntry
	for _, e := range entries {
		if e.Dead {
			out = append(out, e)
		}
	}
	return out, nil
}

// Requeue re-arms dead-lettered entries, all of them when ids is empty.
// It returns the number of entries re-armed.
func (q *Queue) Requeue(ctx context.Context, ids ...string) (int, error) {
	only := make(map[string]bool, len(ids))
	for _, id := range ids {
		only[id] = true
	}

	count := 0
	err := q.update(ctx, func(tx *db.Tx) error {
		entries, err := load(ctx, tx)
		if err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			if !e.Dead || (len(only) > 0 && !only[e.ID]) {
				continue
			}
			e.Dead = false
			e.RetryCount = 0
			e.LastError = ""
			count++
		}
		if count == 0 {
			return nil
		}
		return save(ctx, tx, entries)
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("[SyncQueue] Requeued dead-lettered operations", map[string]interface{}{"count": count})
	}
	return count, nil
}

// RewriteTx lets fn edit every entry in place through acc. Entries for
// which fn reports a change are saved; fn may not add or remove entries.
func (q *Queue) RewriteTx(ctx context.Context, acc db.Accessor, fn func(e *models.QueueEntry) (bool, error)) error {
	entries, err := load(ctx, acc)
	if err != nil {
		return err
	}
	changed := false
	for i := range entries {
		c, err := fn(&entries[i])
		if err != nil {
			return err
		}
		changed = changed || c
	}
	if !changed {
		return nil
	}
	return save(ctx, acc, entries)
}

// Clear drops the entire queue. It is destructive: unsynced mutations are
// lost.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.kv.Delete(ctx, Key); err != nil {
		return apperrors.Storage("clear sync queue", err)
	}
	logging.Warn("[SyncQueue] Queue cleared")
	return nil
}

// Size returns the number of live entries.
func (q *Queue) Size(ctx context.Context) (int, error) {
	pending, err := q.Pending(ctx)
	return len(pending), err
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	entries, err := load(ctx, q.kv)
	if err != nil {
		return models.QueueStats{}, err
	}
	stats := models.QueueStats{ByType: make(map[models.EntityType]int)}
	for _, e := range entries {
		stats.Total++
		switch {
		case e.Dead:
			stats.Dead++
		case e.RetryCount > 0:
			stats.Retrying++
			stats.Pending++
		default:
			stats.Pending++
		}
		if !e.Dead {
			stats.ByType[e.EntityType]++
		}
	}
	return stats, nil
}
