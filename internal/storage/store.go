// Package storage is the local entity store: one durable collection per
// entity type, scoped to the session's user and church.
package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/sync/queue"
	"github.com/actionunit/aumanager/backend/internal/uuid"
)

// Reserved keys.
const (
	KeyLastSync    = "actionunit_last_sync"
	KeyAppSettings = "actionunit_app_settings"
)

var collectionKeys = map[models.EntityType]string{
	models.TypeChurch:          "actionunit_churches",
	models.TypeUser:            "actionunit_users",
	models.TypeSubscription:    "actionunit_subscriptions",
	models.TypeActionUnitClass: "actionunit_classes",
	models.TypeClassTeacher:    "actionunit_class_teachers",
	models.TypeClassMember:     "actionunit_class_members",
	models.TypeAttendance:      "actionunit_attendance",
	models.TypeOffering:        "actionunit_offerings",
	models.TypeQuarterlyBook:   "actionunit_books",
	models.TypeBookOrder:       "actionunit_orders",
	models.TypeOrderItem:       "actionunit_order_items",
}

// Key returns the storage key of the collection for t.
func Key(t models.EntityType) string {
	return collectionKeys[t]
}

// WriteGate decides whether local writes are allowed.
type WriteGate interface {
	CheckWrite() error
}

// Settings is the free-form app settings blob.
type Settings map[string]interface{}

// Store persists entity collections and records every mutation in the
// queue within the same transaction.
type Store struct {
	kv    *db.KV
	queue *queue.Queue
	gate  WriteGate
	now   func() time.Time
	newID func() string

	mu    sync.RWMutex
	owner models.Owner
}

// Option configures a Store.
type Option func(*Store)

// WithGate makes writes consult g.
func WithGate(g WriteGate) Option {
	return func(s *Store) { s.gate = g }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store.
func New(kv *db.KV, q *queue.Queue, opts ...Option) *Store {
	s := &Store{
		kv:    kv,
		queue: q,
		now:   time.Now,
		newID: uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue returns the mutation queue the store writes to.
func (s *Store) Queue() *queue.Queue {
	return s.queue
}

// SetContext scopes reads and writes to a user and church.
func (s *Store) SetContext(owner models.Owner) {
	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
	logging.Info("[Storage] Context set", map[string]interface{}{
		"user_id": owner.UserID, "church_id": owner.ChurchID,
	})
}

// ClearContext removes the session scope. Reads return nothing and writes
// fail until a new context is set.
func (s *Store) ClearContext() {
	s.mu.Lock()
	s.owner = models.Owner{}
	s.mu.Unlock()
	logging.Info("[Storage] Context cleared")
}

// Context returns the active session scope.
func (s *Store) Context() models.Owner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

func (s *Store) checkWrite() (models.Owner, error) {
	owner := s.Context()
	if owner.Empty() {
		return owner, apperrors.New(apperrors.ErrInvalid, "no user context set")
	}
	if s.gate != nil {
		if err := s.gate.CheckWrite(); err != nil {
			return owner, err
		}
	}
	return owner, nil
}

// LastSync returns the time of the last successful sync run.
func (s *Store) LastSync(ctx context.Context) (*time.Time, error) {
	raw, ok, err := s.kv.Get(ctx, KeyLastSync)
	if err != nil {
		return nil, apperrors.Storage("read last sync", err)
	}
	if !ok {
		return nil, nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		logging.Warn("[Storage] Ignoring unreadable last sync time")
		return nil, nil
	}
	return &t, nil
}

// SetLastSync records a successful sync run.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	raw, _ := json.Marshal(t)
	if err := s.kv.Put(ctx, KeyLastSync, raw); err != nil {
		return apperrors.Storage("write last sync", err)
	}
	return nil
}

// Settings returns the app settings, empty when none were saved.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	raw, ok, err := s.kv.Get(ctx, KeyAppSettings)
	if err != nil {
		return nil, apperrors.Storage("read settings", err)
	}
	settings := Settings{}
	if ok {
		if err := json.Unmarshal(raw, &settings); err != nil {
			logging.Warn("[Storage] Ignoring unreadable app settings")
			return Settings{}, nil
		}
	}
	return settings, nil
}

// SaveSettings replaces the app settings.
func (s *Store) SaveSettings(ctx context.Context, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode settings", err)
	}
	if err := s.kv.Put(ctx, KeyAppSettings, raw); err != nil {
		return apperrors.Storage("write settings", err)
	}
	return nil
}

// Stats reports entity counts, queue depth and storage use.
func (s *Store) Stats(ctx context.Context) (models.StorageStats, error) {
	stats := models.StorageStats{EntitiesCount: make(map[models.EntityType]int)}
	for _, t := range models.AllEntityTypes {
		items, err := s.loadAll(ctx, s.kv, t)
		if err != nil {
			return stats, err
		}
		stats.EntitiesCount[t] = len(items)
	}

	pending, err := s.queue.Size(ctx)
	if err != nil {
		return stats, err
	}
	stats.PendingSyncOperations = pending

	if stats.LastSuccessfulSync, err = s.LastSync(ctx); err != nil {
		return stats, err
	}
	if stats.StorageSize, err = s.kv.Size(ctx); err != nil {
		return stats, apperrors.Storage("measure storage", err)
	}
	return stats, nil
}

// Snapshot is a JSON dump of the session's local data.
type Snapshot struct {
	UserData    models.Entity                         `json:"userData"`
	Collections map[models.EntityType][]models.Entity `json:"collections"`
	SyncQueue   []models.QueueEntry                   `json:"syncQueue"`
	ExportDate  time.Time                             `json:"exportDate"`
	Version     string                                `json:"version"`
}

// SnapshotVersion is the format version written by Export.
const SnapshotVersion = "1.0"

// Export collects every entity visible to the session plus the queue.
func (s *Store) Export(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Collections: make(map[models.EntityType][]models.Entity),
		ExportDate:  s.now(),
		Version:     SnapshotVersion,
	}
	owner := s.Context()
	for _, t := range models.AllEntityTypes {
		items, err := s.loadAll(ctx, s.kv, t)
		if err != nil {
			return nil, err
		}
		visible := make([]models.Entity, 0, len(items))
		for _, e := range items {
			if !owner.Empty() && e.Owner().VisibleTo(owner) {
				visible = append(visible, e)
			}
			if u, ok := e.(*models.User); ok && owner.UserID != "" && u.ID == owner.UserID {
				snap.UserData = u
			}
		}
		snap.Collections[t] = visible
	}

	entries, err := s.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	snap.SyncQueue = entries
	return snap, nil
}

// ClearAll removes every collection, the queue, the last sync time and the
// settings. Authentication data is kept. It is destructive: unsynced
// mutations are lost.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.kv.Update(ctx, func(tx *db.Tx) error {
		for _, key := range collectionKeys {
			if err := tx.Delete(ctx, key); err != nil {
				return err
			}
		}
		for _, key := range []string{queue.Key, KeyLastSync, KeyAppSettings} {
			if err := tx.Delete(ctx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Storage("clear local data", err)
	}
	logging.Warn("[Storage] All local data cleared")
	return nil
}

// loadAll decodes the collection of t. A corrupt collection is an error here
// since callers go on to rewrite it.
func (s *Store) loadAll(ctx context.Context, acc db.Accessor, t models.EntityType) ([]models.Entity, error) {
	raw, ok, err := acc.Get(ctx, Key(t))
	if err != nil {
		return nil, apperrors.Storage("read "+string(t)+" collection", err)
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	items, err := models.DecodeCollection(t, raw)
	if err != nil {
		return nil, apperrors.Storage("decode "+string(t)+" collection", err)
	}
	return items, nil
}

func (s *Store) saveAll(ctx context.Context, acc db.Accessor, t models.EntityType, items []models.Entity) error {
	if items == nil {
		items = []models.Entity{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return apperrors.Storage("encode "+string(t)+" collection", err)
	}
	if err := acc.Put(ctx, Key(t), raw); err != nil {
		return apperrors.Storage("write "+string(t)+" collection", err)
	}
	return nil
}
