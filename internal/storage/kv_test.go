package storage

import (
	"context"
	"testing"
	"time"
)

func TestKVSetGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.KVSet(ctx, "key1", "value1", 0); err != nil {
		t.Fatalf("KVSet failed: %v", err)
	}
	_ = db.KVSet(ctx, "key1", "value2", 0)
	value, err := db.KVGet(ctx, "key1")
	if err != nil || value != "value2" {
		t.Errorf("KVGet = %q, %v", value, err)
	}
}

func TestKVGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.KVGet(context.Background(), "nonexistent"); err != ErrNotFound {
		t.Error("want ErrNotFound")
	}
}

func TestKVGet_Expired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_ = db.KVSet(ctx, "expired", "value", time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, err := db.KVGet(ctx, "expired"); err != ErrNotFound {
		t.Error("expired key should not be found")
	}
}

func TestKVDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_ = db.KVSet(ctx, "del_key", "value", 0)
	if err := db.KVDelete(ctx, "del_key"); err != nil {
		t.Fatalf("KVDelete failed: %v", err)
	}
	if err := db.KVDelete(ctx, "del_key"); err != ErrNotFound {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestKVList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_ = db.KVSet(ctx, "script:alpha:a", "va", 0)
	_ = db.KVSet(ctx, "script:alpha:b", "vb", 0)
	_ = db.KVSet(ctx, "script:alpha_x", "underscore is literal", 0)
	_ = db.KVSet(ctx, "script:beta:a", "other", 0)

	got, err := db.KVList(ctx, "script:alpha:")
	if err != nil {
		t.Fatalf("KVList failed: %v", err)
	}
	if len(got) != 2 || got["script:alpha:a"] != "va" {
		t.Errorf("KVList = %v", got)
	}
}

func TestKVCleanExpired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_ = db.KVSet(ctx, "short", "v", time.Nanosecond)
	_ = db.KVSet(ctx, "long", "v", time.Hour)
	time.Sleep(time.Millisecond)

	n, err := db.KVCleanExpired(ctx)
	if err != nil || n != 1 {
		t.Errorf("KVCleanExpired = %d, %v", n, err)
	}
}
