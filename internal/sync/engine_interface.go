// Package sync drains the mutation queue against the remote API.
package sync

import (
	"context"

	"github.com/actionunit/aumanager/backend/internal/api"
	"github.com/actionunit/aumanager/backend/internal/models"
)

// Syncer is the engine surface the scheduler drives. It allows for
// substitutes in tests.
type Syncer interface {
	// SyncAll drains every pending queue entry. It never fails; problems
	// are reported in the result.
	SyncAll(ctx context.Context) models.SyncResult

	// IsSyncing reports whether a run is in progress.
	IsSyncing() bool

	// LastResult returns the outcome of the most recent run, if any.
	LastResult() (models.SyncResult, bool)
}

// Remote is the REST surface the engine writes through.
type Remote interface {
	Create(ctx context.Context, collection, key string, body interface{}) (api.Record, error)
	Update(ctx context.Context, collection, id string, body interface{}) (api.Record, error)
	Delete(ctx context.Context, collection, id string) error
	SubmitBookOrder(ctx context.Context, id string) (api.Record, error)
	UpdateChurchProfile(ctx context.Context, body interface{}) (api.Record, error)
}

// Session is the part of the auth context a run needs.
type Session interface {
	IsAuthenticated() bool
	Refresh(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
}

// Connectivity reports whether the device is online.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

var _ Syncer = (*Engine)(nil)
