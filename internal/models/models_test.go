// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// =====================================================
// EntityType Tests
// =====================================================

// TestParseEntityType verifies the closed enum rejects unknown names.
func TestParseEntityType(t *testing.T) {
	for _, et := range AllEntityTypes {
		got, err := ParseEntityType(string(et))
		if err != nil {
			t.Fatalf("ParseEntityType(%q) error = %v", et, err)
		}
		if got != et {
			t.Errorf("ParseEntityType(%q) = %q", et, got)
		}
	}

	if _, err := ParseEntityType("sermon"); err == nil {
		t.Error("ParseEntityType(sermon) should fail")
	}
}

// TestNew_everyType verifies every entity type has a concrete record.
func TestNew_everyType(t *testing.T) {
	for _, et := range AllEntityTypes {
		e, err := New(et)
		if err != nil {
			t.Fatalf("New(%q) error = %v", et, err)
		}
		if e.EntityType() != et {
			t.Errorf("New(%q).EntityType() = %q", et, e.EntityType())
		}
	}
}

// =====================================================
// Owner Tests
// =====================================================

// TestOwner_VisibleTo verifies context isolation rules.
func TestOwner_VisibleTo(t *testing.T) {
	tests := []struct {
		name    string
		owner   Owner
		session Owner
		want    bool
	}{
		{"same church", Owner{UserID: "u1", ChurchID: "c1"}, Owner{UserID: "u2", ChurchID: "c1"}, true},
		{"other church", Owner{UserID: "u1", ChurchID: "c1"}, Owner{UserID: "u1", ChurchID: "c2"}, false},
		{"churchless same user", Owner{UserID: "u1"}, Owner{UserID: "u1"}, true},
		{"churchless other user", Owner{UserID: "u1"}, Owner{UserID: "u2"}, false},
		{"church record vs churchless session", Owner{ChurchID: "c1"}, Owner{UserID: "u1"}, false},
		{"unowned", Owner{}, Owner{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.owner.VisibleTo(tt.session); got != tt.want {
				t.Errorf("VisibleTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestChurch_OwnerIsItself verifies a church scopes to its own id.
func TestChurch_OwnerIsItself(t *testing.T) {
	c := &Church{Base: Base{ID: "c9", OwnedBy: Owner{ChurchID: "other"}}}
	if got := c.Owner(); got.ChurchID != "c9" {
		t.Errorf("Owner().ChurchID = %q, want c9", got.ChurchID)
	}
}

// =====================================================
// Base Lifecycle Tests
// =====================================================

// TestBase_lifecycle verifies dirty and synced transitions.
func TestBase_lifecycle(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	var b Base

	b.MarkDirty(now)
	if !b.IsDirty || b.SyncStatus != SyncPending || !b.UpdatedAt.Equal(now) {
		t.Fatalf("after MarkDirty: %+v", b)
	}
	if !b.IsLocal() {
		t.Error("zero origin should count as local")
	}

	later := now.Add(time.Minute)
	b.Origin = OriginRemote
	b.MarkSynced(later)
	if b.IsDirty || b.SyncStatus != SyncSynced || b.LastSynced == nil || !b.LastSynced.Equal(later) {
		t.Errorf("after MarkSynced: %+v", b)
	}
	if b.IsLocal() {
		t.Error("remote origin should not be local")
	}
}

// TestReferences_pointIntoEntity verifies references rewrite fields in place.
func TestReferences_pointIntoEntity(t *testing.T) {
	a := &Attendance{ClassMember: "cm_1", MarkedBy: "u_1"}
	for _, ref := range a.References() {
		if ref.Type == TypeClassMember {
			*ref.ID = "42"
		}
	}
	if a.ClassMember != "42" {
		t.Errorf("ClassMember = %q, want 42", a.ClassMember)
	}
	if a.MarkedBy != "u_1" {
		t.Errorf("MarkedBy changed to %q", a.MarkedBy)
	}
}

// =====================================================
// Codec Tests
// =====================================================

// TestDecodeCollection verifies typed decoding of stored blobs.
func TestDecodeCollection(t *testing.T) {
	data := `[{"id":"o1","origin":"local","action_unit_class":"k1","amount":"12.50","currency":"GHS","date":"2024-03-10","recorded_by":"u1"}]`

	items, err := DecodeCollection(TypeOffering, []byte(data))
	if err != nil {
		t.Fatalf("DecodeCollection() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len = %d, want 1", len(items))
	}
	o, ok := items[0].(*Offering)
	if !ok {
		t.Fatalf("item type = %T, want *Offering", items[0])
	}
	if !o.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Amount = %s, want 12.5", o.Amount)
	}
	if o.Meta().ID != "o1" || !o.IsLocal() {
		t.Errorf("meta = %+v", o.Meta())
	}
}

// TestDecodeCollection_corrupt verifies malformed input is an error.
func TestDecodeCollection_corrupt(t *testing.T) {
	if _, err := DecodeCollection(TypeChurch, []byte("{not json")); err == nil {
		t.Error("expected error for corrupt data")
	}
}

// =====================================================
// Remote Identifier Tests
// =====================================================

// TestRemoteID_UnmarshalJSON verifies numbers and strings both decode.
func TestRemoteID_UnmarshalJSON(t *testing.T) {
	var body struct {
		A RemoteID `json:"a"`
		B RemoteID `json:"b"`
		C RemoteID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":42,"b":"abc","c":null}`), &body); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if body.A != "42" || body.B != "abc" || body.C != "" {
		t.Errorf("got %+v", body)
	}
	if FromInt(7) != "7" {
		t.Errorf("FromInt(7) = %q", FromInt(7))
	}
}

// TestAuthResponse_ChurchID verifies church resolution order.
func TestAuthResponse_ChurchID(t *testing.T) {
	r := AuthResponse{User: AuthUser{Church: "5"}}
	if r.ChurchID() != "5" {
		t.Errorf("ChurchID() = %q, want 5", r.ChurchID())
	}
	r.Church = &AuthChurch{ID: "9"}
	if r.ChurchID() != "9" {
		t.Errorf("ChurchID() = %q, want 9", r.ChurchID())
	}
}

// TestCachedAuth_FreshAt verifies the freshness window boundary.
func TestCachedAuth_FreshAt(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	c := CachedAuth{Timestamp: base}

	if !c.FreshAt(base.Add(24*time.Hour), 24*time.Hour) {
		t.Error("exactly at window should be fresh")
	}
	if c.FreshAt(base.Add(24*time.Hour+time.Second), 24*time.Hour) {
		t.Error("past window should be stale")
	}
}

// =====================================================
// Money Tests
// =====================================================

// TestOrderTotal verifies exact decimal totals.
func TestOrderTotal(t *testing.T) {
	items := []OrderItem{
		{BookOrder: "b1", Quantity: 3, UnitPrice: decimal.RequireFromString("4.10")},
		{BookOrder: "b1", Quantity: 1, UnitPrice: decimal.RequireFromString("0.20")},
		{BookOrder: "b2", Quantity: 9, UnitPrice: decimal.RequireFromString("100")},
	}
	for i := range items {
		items[i].Recalculate()
	}

	got := OrderTotal("b1", items)
	if !got.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("OrderTotal() = %s, want 12.50", got)
	}
}
