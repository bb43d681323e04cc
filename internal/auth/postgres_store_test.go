package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mwale/fraudlens/internal/testutil"
)

func pgStoreFixture(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	store := NewPostgresStore(db)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := base.Add(-time.Hour)

	keys := []*APIKey{
		{
			ID: "ak_live", Hash: "hash_live", UserID: "usr_1",
			Name: "Dashboard", Role: RoleAnalyst,
			CreatedAt: base.Add(2 * time.Hour),
		},
		{
			ID: "ak_revoked", Hash: "hash_revoked", UserID: "usr_1",
			Name: "Old ingest key", Role: RoleAdmin,
			CreatedAt: base.Add(time.Hour), Revoked: true,
		},
		{
			ID: "ak_expired", Hash: "hash_expired", UserID: "usr_2",
			Name: "Trial", Role: RoleViewer,
			CreatedAt: base, ExpiresAt: &expired,
		},
	}
	for _, k := range keys {
		if err := store.Create(context.Background(), k); err != nil {
			t.Fatalf("seed %s: %v", k.ID, err)
		}
	}
	return store
}

func TestPostgresStore_GetByHash(t *testing.T) {
	store := pgStoreFixture(t)
	ctx := context.Background()

	key, err := store.GetByHash(ctx, "hash_live")
	if err != nil {
		t.Fatalf("GetByHash failed: %v", err)
	}
	if key.ID != "ak_live" || key.Role != RoleAnalyst || key.UserID != "usr_1" {
		t.Errorf("key = %+v", key)
	}
	if key.ExpiresAt != nil || key.Revoked {
		t.Errorf("live key carries expiry/revocation: %+v", key)
	}

	// Revoked and expired keys fail the lookup even with a valid hash.
	if _, err := store.GetByHash(ctx, "hash_revoked"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoked key: got %v, want ErrKeyNotFound", err)
	}
	if _, err := store.GetByHash(ctx, "hash_expired"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expired key: got %v, want ErrKeyNotFound", err)
	}
	if _, err := store.GetByHash(ctx, "hash_unknown"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown hash: got %v, want ErrKeyNotFound", err)
	}
}

func TestPostgresStore_GetByUser(t *testing.T) {
	store := pgStoreFixture(t)

	keys, err := store.GetByUser(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	// All of the user's keys, including revoked ones, newest first.
	if len(keys) != 2 || keys[0].ID != "ak_live" || keys[1].ID != "ak_revoked" {
		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = k.ID
		}
		t.Errorf("keys = %v", ids)
	}
	if !keys[1].Revoked {
		t.Errorf("revoked flag lost on %s", keys[1].ID)
	}
}

func TestPostgresStore_UpdateTouchAndRevoke(t *testing.T) {
	store := pgStoreFixture(t)
	ctx := context.Background()

	key, err := store.GetByHash(ctx, "hash_live")
	if err != nil {
		t.Fatalf("GetByHash failed: %v", err)
	}
	key.LastUsed = time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC)
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.GetByHash(ctx, "hash_live")
	if err != nil {
		t.Fatalf("GetByHash after touch failed: %v", err)
	}
	if !got.LastUsed.Equal(key.LastUsed) {
		t.Errorf("last_used = %v, want %v", got.LastUsed, key.LastUsed)
	}

	got.Revoked = true
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := store.GetByHash(ctx, "hash_live"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoked key still resolvable: %v", err)
	}
}

func TestPostgresStore_Delete(t *testing.T) {
	store := pgStoreFixture(t)
	ctx := context.Background()

	if err := store.Delete(ctx, "ak_expired"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	keys, err := store.GetByUser(ctx, "usr_2")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys after delete, got %d", len(keys))
	}
}
