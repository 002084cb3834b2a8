// Package models provides the data model definitions for the Action Unit sync core.
package models

import (
	"fmt"
	"time"
)

// EntityType is the closed set of synchronizable record kinds.
type EntityType string

const (
	TypeChurch          EntityType = "church"
	TypeUser            EntityType = "user"
	TypeSubscription    EntityType = "subscription"
	TypeActionUnitClass EntityType = "action_unit_class"
	TypeClassTeacher    EntityType = "class_teacher"
	TypeClassMember     EntityType = "class_member"
	TypeAttendance      EntityType = "attendance"
	TypeOffering        EntityType = "offering"
	TypeQuarterlyBook   EntityType = "quarterly_book"
	TypeBookOrder       EntityType = "book_order"
	TypeOrderItem       EntityType = "order_item"
)

// AllEntityTypes lists every entity type in declaration order.
var AllEntityTypes = []EntityType{
	TypeChurch, TypeUser, TypeSubscription, TypeActionUnitClass, TypeClassTeacher,
	TypeClassMember, TypeAttendance, TypeOffering, TypeQuarterlyBook, TypeBookOrder, TypeOrderItem,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, known := range AllEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType converts s to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Operation is the kind of remote mutation a queue entry replays.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// SyncStatus tracks an entity's position in the sync lifecycle.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Origin tags where an entity's id came from. A Local id was minted on the
// device and has never been confirmed by the server; a Remote id was assigned
// by the server.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Owner is the session context an entity belongs to.
type Owner struct {
	UserID   string `json:"userId,omitempty"`
	ChurchID string `json:"churchId,omitempty"`
}

// Empty reports whether no owner was stamped.
func (o Owner) Empty() bool {
	return o.UserID == "" && o.ChurchID == ""
}

// VisibleTo reports whether an entity owned by o may be read in session c.
// Church scoping wins when either side carries a church.
func (o Owner) VisibleTo(c Owner) bool {
	if o.ChurchID != "" || c.ChurchID != "" {
		return o.ChurchID == c.ChurchID
	}
	return o.UserID != "" && o.UserID == c.UserID
}

// Base is the shape shared by every stored entity.
type Base struct {
	ID         string     `json:"id"`
	Origin     Origin     `json:"origin"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastSynced *time.Time `json:"lastSynced,omitempty"`
	IsDirty    bool       `json:"isDirty,omitempty"`
	SyncStatus SyncStatus `json:"syncStatus,omitempty"`
	OwnedBy    Owner      `json:"ownedBy"`
}

// Meta returns the base record. It lets generic code reach the shared fields.
func (b *Base) Meta() *Base { return b }

// Owner returns the owning context stamped at write time.
func (b *Base) Owner() Owner { return b.OwnedBy }

// IsLocal reports whether the id has not yet been confirmed by the server.
func (b *Base) IsLocal() bool { return b.Origin != OriginRemote }

// MarkDirty flags a local change awaiting sync.
func (b *Base) MarkDirty(now time.Time) {
	b.UpdatedAt = now
	b.IsDirty = true
	b.SyncStatus = SyncPending
}

// MarkSynced records a confirmed remote write.
func (b *Base) MarkSynced(now time.Time) {
	b.IsDirty = false
	b.SyncStatus = SyncSynced
	b.LastSynced = &now
}

// Reference is a foreign key held by an entity. ID points into the entity so
// that remapping a local id rewrites the field in place.
type Reference struct {
	Type  EntityType
	Field string
	ID    *string
}

// Entity is implemented by pointers to every concrete record type.
type Entity interface {
	Meta() *Base
	EntityType() EntityType
	Owner() Owner
	References() []Reference
}
