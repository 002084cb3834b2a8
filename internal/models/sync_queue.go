package models

import (
	"encoding/json"
	"time"
)

// QueueEntry is a pending remote operation.
type QueueEntry struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  Operation       `json:"operation"`
	LocalData  json.RawMessage `json:"localData"` // payload snapshot at enqueue time
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
	// Owner is the context the mutation was made in. Runs only send entries
	// visible to the active session.
	Owner Owner `json:"owner"`
	// Dead marks an entry that exhausted its retries. It stays queued for
	// manual requeue but automatic runs skip it.
	Dead bool `json:"dead,omitempty"`
}

// Scope returns the owner of the entry. Entries queued before owners were
// stamped fall back to the owner inside the payload.
func (e *QueueEntry) Scope() Owner {
	if !e.Owner.Empty() {
		return e.Owner
	}
	if ent, err := e.Entity(); err == nil {
		return ent.Owner()
	}
	return Owner{}
}

// Entity decodes the payload snapshot.
func (e *QueueEntry) Entity() (Entity, error) {
	return DecodeEntity(e.EntityType, e.LocalData)
}

// QueueStats summarizes the queue.
type QueueStats struct {
	Total    int                `json:"total"`
	Pending  int                `json:"pending"`
	Dead     int                `json:"dead"`
	Retrying int                `json:"retrying"`
	ByType   map[EntityType]int `json:"byType"`
}

// SyncResult is the outcome of one sync run.
type SyncResult struct {
	Success       bool       `json:"success"`
	SyncedItems   int        `json:"syncedItems"`
	FailedItems   int        `json:"failedItems"`
	DeferredItems int        `json:"deferredItems,omitempty"`
	Errors        []string   `json:"errors"`
	Timestamp     time.Time  `json:"timestamp"`
	EntityType    EntityType `json:"entityType,omitempty"`
	// AuthFailed is set when the run aborted because the session could not
	// be re-authenticated.
	AuthFailed bool `json:"authFailed,omitempty"`
}

// FailedResult builds a result for a run that did not start.
func FailedResult(now time.Time, reason string) SyncResult {
	return SyncResult{Success: false, Errors: []string{reason}, Timestamp: now}
}

// StorageStats reports store occupancy.
type StorageStats struct {
	EntitiesCount         map[EntityType]int `json:"entitiesCount"`
	PendingSyncOperations int                `json:"pendingSyncOperations"`
	LastSuccessfulSync    *time.Time         `json:"lastSuccessfulSync,omitempty"`
	StorageSize           int64              `json:"storageSize"`
}
