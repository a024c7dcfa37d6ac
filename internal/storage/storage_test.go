package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryStoreGetPutDelList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "a/1", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "a/2", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "b/1", []byte("three")); err != nil {
		t.Fatal(err)
	}

	keys, err := s.List(ctx, "a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys under a/, got %v", keys)
	}

	if err := s.Del(ctx, "a/1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "a/1"); err != ErrNotFound {
		t.Fatalf("expected key to be gone after Del, got %v", err)
	}
}

func TestFileStoreRoundTripsAcrossReopenWithEncryption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := NewFileStore(path, "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Put(ctx, "v1/device-manager/owner-pubkey", []byte("owner-1")); err != nil {
		t.Fatal(err)
	}

	s2, err := NewFileStore(path, "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	v, err := s2.Get(ctx, "v1/device-manager/owner-pubkey")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "owner-1" {
		t.Fatalf("expected persisted value to survive reopen, got %q", v)
	}

	if _, err := NewFileStore(path, "wrong passphrase"); err == nil {
		t.Fatal("expected opening with the wrong passphrase to fail")
	}
}

func TestRunMigrationsDropsLegacyInvitesAndRewritesUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "invite/stale-1", []byte("junk")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "user/owner-a", []byte(`{"knownDeviceIdentities":{"d1":"aQ=="},"devices":["d1"]}`)); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(ctx, s); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	if keys, _ := s.List(ctx, "invite/"); len(keys) != 0 {
		t.Fatalf("expected legacy invite/ keys to be dropped, found %v", keys)
	}
	if _, err := s.Get(ctx, UserKey("owner-a")); err != nil {
		t.Fatalf("expected rewritten v1 user record, got %v", err)
	}
	if _, err := s.Get(ctx, "user/owner-a"); err != ErrNotFound {
		t.Fatal("expected legacy user key to be removed after rewrite")
	}

	version, err := s.Get(ctx, KeyStorageVersion)
	if err != nil || string(version) != "1" {
		t.Fatalf("expected storage-version=1, got %q err=%v", version, err)
	}

	// Second run must be a no-op: put a stray legacy key back and confirm
	// it survives untouched since migration already completed.
	if err := s.Put(ctx, "invite/new", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := RunMigrations(ctx, s); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "invite/new"); err != nil {
		t.Fatal("expected RunMigrations to be a no-op once storage-version is already set")
	}
}
