package db

import (
	"context"
	"errors"
	"testing"
)

// TestKV_PutGetDelete verifies the basic blob lifecycle.
func TestKV_PutGetDelete(t *testing.T) {
	kv := NewKV(openTestDB(t))
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := kv.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := kv.Put(ctx, "a", []byte("2")); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}

	got, ok, err := kv.Get(ctx, "a")
	if err != nil || !ok || string(got) != "2" {
		t.Errorf("Get(a) = %q, %v, %v", got, ok, err)
	}

	if err := kv.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := kv.Delete(ctx, "a"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "a"); ok {
		t.Error("key still present after Delete")
	}
}

// TestKV_Keys verifies prefix listing.
func TestKV_Keys(t *testing.T) {
	kv := NewKV(openTestDB(t))
	ctx := context.Background()

	for _, k := range []string{"actionunit_users", "actionunit_churches", "other"} {
		if err := kv.Put(ctx, k, []byte("[]")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := kv.Keys(ctx, "actionunit_")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := []string{"actionunit_churches", "actionunit_users"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	size, err := kv.Size(ctx)
	if err != nil || size != 6 {
		t.Errorf("Size() = %d, %v, want 6", size, err)
	}
}

// TestKV_UpdateCommits verifies writes in a transaction become visible together.
func TestKV_UpdateCommits(t *testing.T) {
	kv := NewKV(openTestDB(t))
	ctx := context.Background()

	err := kv.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, "collection", []byte("[1]")); err != nil {
			return err
		}
		got, ok, err := tx.Get(ctx, "collection")
		if err != nil || !ok || string(got) != "[1]" {
			t.Errorf("read-your-writes failed: %q %v %v", got, ok, err)
		}
		return tx.Put(ctx, "queue", []byte("[q]"))
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	for _, k := range []string{"collection", "queue"} {
		if _, ok, _ := kv.Get(ctx, k); !ok {
			t.Errorf("key %s not committed", k)
		}
	}
}

// TestKV_UpdateRollsBack verifies a failing transaction leaves prior state.
func TestKV_UpdateRollsBack(t *testing.T) {
	kv := NewKV(openTestDB(t))
	ctx := context.Background()

	if err := kv.Put(ctx, "collection", []byte("old")); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("enqueue failed")
	err := kv.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, "collection", []byte("new")); err != nil {
			return err
		}
		if err := tx.Delete(ctx, "collection"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}

	got, ok, _ := kv.Get(ctx, "collection")
	if !ok || string(got) != "old" {
		t.Errorf("after rollback Get() = %q, %v, want old", got, ok)
	}
}
