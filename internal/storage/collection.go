package storage

import (
	"context"
	"encoding/json"

	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/models"
)

// Record is implemented by pointers to the concrete entity structs.
type Record[T any] interface {
	*T
	models.Entity
}

// naturalKeyer is implemented by entities that are unique on something
// other than their id.
type naturalKeyer interface {
	NaturalKey() string
}

func typeOf[T any, P Record[T]]() models.EntityType {
	return P(new(T)).EntityType()
}

func decode[T any, P Record[T]](raw []byte) ([]P, error) {
	var items []P
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func load[T any, P Record[T]](ctx context.Context, acc db.Accessor) ([]P, error) {
	t := typeOf[T, P]()
	raw, ok, err := acc.Get(ctx, Key(t))
	if err != nil {
		return nil, apperrors.Storage("read "+string(t)+" collection", err)
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	items, err := decode[T, P](raw)
	if err != nil {
		return nil, apperrors.Storage("decode "+string(t)+" collection", err)
	}
	return items, nil
}

func save[T any, P Record[T]](ctx context.Context, acc db.Accessor, items []P) error {
	t := typeOf[T, P]()
	if items == nil {
		items = []P{}
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

// GetCollection returns the raw persisted collection, unfiltered by
// context. Missing or unreadable data yields an empty list.
func GetCollection[T any, P Record[T]](ctx context.Context, s *Store) []P {
	items, err := load[T, P](ctx, s.kv)
	if err != nil {
		logging.Error("[Storage] Error getting collection", err, map[string]interface{}{
			"entity_type": typeOf[T, P](),
		})
		return nil
	}
	return items
}

// SaveCollection overwrites the collection of T in one transaction. Items
// without an origin are taken as server records, and items without an
// owner are stamped with the active context.
func SaveCollection[T any, P Record[T]](ctx context.Context, s *Store, items []P) error {
	owner := s.Context()
	for _, item := range items {
		meta := item.Meta()
		if meta.Origin == "" {
			meta.Origin = models.OriginRemote
		}
		if meta.OwnedBy.Empty() {
			meta.OwnedBy = owner
		}
	}
	return s.kv.Update(ctx, func(tx *db.Tx) error {
		return save[T, P](ctx, tx, items)
	})
}

// List returns the entities of T visible to the active context.
func List[T any, P Record[T]](ctx context.Context, s *Store) ([]P, error) {
	owner := s.Context()
	if owner.Empty() {
		return nil, nil
	}
	items, err := load[T, P](ctx, s.kv)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(items))
	for _, item := range items {
		if item.Owner().VisibleTo(owner) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Get returns one entity of T visible to the active context.
func Get[T any, P Record[T]](ctx context.Context, s *Store, id string) (P, bool, error) {
	items, err := List[T, P](ctx, s)
	if err != nil {
		return nil, false, err
	}
	for _, item := range items {
		if item.Meta().ID == id {
			return item, true, nil
		}
	}
	return nil, false, nil
}

// Upsert writes item and enqueues its sync in one transaction. An item is
// matched by id, or for attendance by member and date. A match is replaced
// with the new values, keeping its identity and creation time; anything else
// is appended with a fresh local id when it has none. Either way the record
// is marked dirty. It returns the stored record and the queue entry id.
func Upsert[T any, P Record[T]](ctx context.Context, s *Store, item P) (P, string, error) {
	t := typeOf[T, P]()
	if t == models.TypeSubscription {
		return nil, "", apperrors.New(apperrors.ErrInvalid, "subscriptions are read-only")
	}
	owner, err := s.checkWrite()
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	var entryID string
	err = s.kv.Update(ctx, func(tx *db.Tx) error {
		items, err := load[T, P](ctx, tx)
		if err != nil {
			return err
		}

		idx := find(items, item)
		meta := item.Meta()
		op := models.OpCreate
		if idx >= 0 {
			existing := items[idx]
			if !existing.Owner().VisibleTo(owner) {
				return apperrors.New(apperrors.ErrNotFound, string(t)+" "+existing.Meta().ID+" not found")
			}
			prev := existing.Meta()
			meta.ID = prev.ID
			meta.Origin = prev.Origin
			meta.CreatedAt = prev.CreatedAt
			meta.LastSynced = prev.LastSynced
			if meta.OwnedBy.Empty() {
				meta.OwnedBy = prev.OwnedBy
			}
			op = models.OpUpdate
		} else {
			if meta.ID == "" {
				meta.ID = s.newID()
				meta.Origin = models.OriginLocal
			}
			if meta.Origin == "" {
				meta.Origin = models.OriginLocal
			}
			meta.CreatedAt = now
		}
		if meta.OwnedBy.Empty() {
			meta.OwnedBy = owner
		}
		meta.MarkDirty(now)

		if idx >= 0 {
			items[idx] = item
		} else {
			items = append(items, item)
		}
		if err := save[T, P](ctx, tx, items); err != nil {
			return err
		}
		entryID, err = s.queue.EnqueueTx(ctx, tx, op, item)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	logging.Debug("[Storage] Entity stored", map[string]interface{}{
		"entity_type": t, "entity_id": item.Meta().ID, "entry_id": entryID,
	})
	return item, entryID, nil
}

func find[T any, P Record[T]](items []P, item P) int {
	id := item.Meta().ID
	if id != "" {
		for i, existing := range items {
			if existing.Meta().ID == id {
				return i
			}
		}
	}
	nk, ok := any(item).(naturalKeyer)
	if !ok || nk.NaturalKey() == "" {
		return -1
	}
	for i, existing := range items {
		if any(existing).(naturalKeyer).NaturalKey() == nk.NaturalKey() {
			return i
		}
	}
	return -1
}

// Delete removes the entity of T with id and enqueues the remote delete in
// one transaction. An entity the server never saw leaves nothing queued; the
// returned entry id is empty in that case.
func Delete[T any, P Record[T]](ctx context.Context, s *Store, id string) (string, error) {
	t := typeOf[T, P]()
	owner, err := s.checkWrite()
	if err != nil {
		return "", err
	}

	var entryID string
	err = s.kv.Update(ctx, func(tx *db.Tx) error {
		items, err := load[T, P](ctx, tx)
		if err != nil {
			return err
		}
		idx := -1
		for i, existing := range items {
			if existing.Meta().ID == id && existing.Owner().VisibleTo(owner) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperrors.New(apperrors.ErrNotFound, string(t)+" "+id+" not found")
		}
		removed := items[idx]
		items = append(items[:idx], items[idx+1:]...)
		if err := save[T, P](ctx, tx, items); err != nil {
			return err
		}
		entryID, err = s.queue.EnqueueTx(ctx, tx, models.OpDelete, removed)
		return err
	})
	if err != nil {
		return "", err
	}

	logging.Debug("[Storage] Entity deleted", map[string]interface{}{
		"entity_type": t, "entity_id": id, "entry_id": entryID,
	})
	return entryID, nil
}
