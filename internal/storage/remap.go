package storage

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/models"
)

// Confirmation is a remote write acknowledged by the server.
type Confirmation struct {
	EntryID  string
	Type     models.EntityType
	LocalID  string
	ServerID string
	// Fields is the server's canonical record. Keys the local record does
	// not carry are ignored.
	Fields json.RawMessage
}

// baseKeys are owned by the device and never overwritten by server fields.
var baseKeys = map[string]bool{
	"id": true, "origin": true, "createdAt": true, "updatedAt": true,
	"lastSynced": true, "isDirty": true, "syncStatus": true, "ownedBy": true,
}

// MarkSynced applies a confirmation in one transaction: the entity takes the
// server id and fields, every reference to the old id is rewritten across
// collections and queued payloads, and the queue entry is completed. The
// entity stays dirty when a newer queued mutation for it is still pending.
func (s *Store) MarkSynced(ctx context.Context, c Confirmation) error {
	serverID := c.ServerID
	if serverID == "" {
		serverID = c.LocalID
	}
	now := s.now()

	err := s.kv.Update(ctx, func(tx *db.Tx) error {
		if err := s.remapTx(ctx, tx, c.Type, c.LocalID, serverID, c.EntryID); err != nil {
			return err
		}

		newer := false
		if err := s.queue.RewriteTx(ctx, tx, func(e *models.QueueEntry) (bool, error) {
			if e.ID != c.EntryID && !e.Dead && e.EntityType == c.Type && e.EntityID == serverID {
				newer = true
			}
			return false, nil
		}); err != nil {
			return err
		}

		items, err := s.loadAll(ctx, tx, c.Type)
		if err != nil {
			return err
		}
		for i, e := range items {
			if e.Meta().ID != serverID {
				continue
			}
			if len(c.Fields) > 0 && !newer {
				if merged, ok := overlay(e, c.Fields); ok {
					e = merged
					items[i] = e
				}
			}
			meta := e.Meta()
			meta.ID = serverID
			meta.Origin = models.OriginRemote
			if newer {
				meta.SyncStatus = models.SyncPending
			} else {
				meta.MarkSynced(now)
			}
			if err := s.saveAll(ctx, tx, c.Type, items); err != nil {
				return err
			}
			break
		}

		if c.EntryID == "" {
			return nil
		}
		return s.queue.CompleteTx(ctx, tx, c.EntryID)
	})
	if err != nil {
		return err
	}

	logging.Debug("[Storage] Entity synced", map[string]interface{}{
		"entity_type": c.Type, "local_id": c.LocalID, "server_id": serverID,
	})
	return nil
}

// RemapID replaces the id of one entity and rewrites every reference to it,
// in stored collections and in queued payloads.
func (s *Store) RemapID(ctx context.Context, t models.EntityType, oldID, newID string) error {
	if oldID == newID || oldID == "" || newID == "" {
		return nil
	}
	return s.kv.Update(ctx, func(tx *db.Tx) error {
		return s.remapTx(ctx, tx, t, oldID, newID, "")
	})
}

func (s *Store) remapTx(ctx context.Context, tx *db.Tx, t models.EntityType, oldID, newID, skipEntry string) error {
	if oldID == newID {
		return nil
	}

	for _, ct := range models.AllEntityTypes {
		items, err := s.loadAll(ctx, tx, ct)
		if err != nil {
			return err
		}
		changed := false
		for _, e := range items {
			if ct == t && e.Meta().ID == oldID {
				e.Meta().ID = newID
				e.Meta().Origin = models.OriginRemote
				changed = true
			}
			if rewriteRefs(e, t, oldID, newID) {
				changed = true
			}
		}
		if changed {
			if err := s.saveAll(ctx, tx, ct, items); err != nil {
				return err
			}
		}
	}

	return s.queue.RewriteTx(ctx, tx, func(e *models.QueueEntry) (bool, error) {
		if e.ID == skipEntry {
			return false, nil
		}
		self := e.EntityType == t && e.EntityID == oldID
		entity, err := e.Entity()
		if err != nil {
			return false, apperrors.Storage("decode queued "+string(e.EntityType)+" payload", err)
		}
		changed := rewriteRefs(entity, t, oldID, newID)
		if self {
			e.EntityID = newID
			entity.Meta().ID = newID
			entity.Meta().Origin = models.OriginRemote
			if e.Operation == models.OpCreate {
				e.Operation = models.OpUpdate
			}
			changed = true
		}
		if !changed {
			return false, nil
		}
		payload, err := json.Marshal(entity)
		if err != nil {
			return false, apperrors.Storage("encode queued payload", err)
		}
		e.LocalData = payload
		return true, nil
	})
}

func rewriteRefs(e models.Entity, t models.EntityType, oldID, newID string) bool {
	changed := false
	for _, ref := range e.References() {
		if ref.Type == t && *ref.ID == oldID {
			*ref.ID = newID
			changed = true
		}
	}
	return changed
}

// overlay returns a copy of e with the server's values for every field e
// already carries. A server number lands in a string field as its decimal
// text, since the server keys records by integer.
func overlay(e models.Entity, fields json.RawMessage) (models.Entity, bool) {
	var server map[string]json.RawMessage
	if err := json.Unmarshal(fields, &server); err != nil {
		logging.Warn("[Storage] Ignoring unreadable server fields", map[string]interface{}{
			"entity_type": e.EntityType(), "error": err.Error(),
		})
		return e, false
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return e, false
	}
	var local map[string]json.RawMessage
	if err := json.Unmarshal(raw, &local); err != nil {
		return e, false
	}

	for key, value := range server {
		current, ok := local[key]
		if !ok || baseKeys[key] || bytes.Equal(value, []byte("null")) {
			continue
		}
		if isString(current) && isNumber(value) {
			value, _ = json.Marshal(string(value))
		}
		local[key] = value
	}

	merged, err := json.Marshal(local)
	if err != nil {
		return e, false
	}
	out, err := models.DecodeEntity(e.EntityType(), merged)
	if err != nil {
		logging.Warn("[Storage] Server fields do not fit local record", map[string]interface{}{
			"entity_type": e.EntityType(), "entity_id": e.Meta().ID, "error": err.Error(),
		})
		return e, false
	}
	return out, true
}

func isString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

func isNumber(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'))
}

// MarkFailed flags an entity whose sync failed. The entity is retained.
func (s *Store) MarkFailed(ctx context.Context, t models.EntityType, id string) error {
	return s.kv.Update(ctx, func(tx *db.Tx) error {
		items, err := s.loadAll(ctx, tx, t)
		if err != nil {
			return err
		}
		for _, e := range items {
			if e.Meta().ID == id {
				e.Meta().SyncStatus = models.SyncFailed
				return s.saveAll(ctx, tx, t, items)
			}
		}
		return nil
	})
}

// Lookup returns the stored entity of type t with id, regardless of the
// session context.
func (s *Store) Lookup(ctx context.Context, t models.EntityType, id string) (models.Entity, bool, error) {
	items, err := s.loadAll(ctx, s.kv, t)
	if err != nil {
		return nil, false, err
	}
	for _, e := range items {
		if e.Meta().ID == id {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// IsLocalID reports whether id names a stored entity of type t that the
// server has not confirmed yet.
func (s *Store) IsLocalID(ctx context.Context, t models.EntityType, id string) (bool, error) {
	e, ok, err := s.Lookup(ctx, t, id)
	if err != nil || !ok {
		return false, err
	}
	return e.Meta().IsLocal(), nil
}
