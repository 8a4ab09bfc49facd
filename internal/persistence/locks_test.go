package persistence_test

import (
	"context"
	"testing"

	"github.com/basket/threadclaw/internal/persistence"
)

func TestLocks_AcquireIsExclusive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if ok, err := store.TryAcquireLock(ctx, "path:/repo-a", "t1"); err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	if ok, err := store.TryAcquireLock(ctx, "path:/repo-a", "t2"); err != nil || ok {
		t.Fatalf("second owner must be refused: %v %v", ok, err)
	}
	if ok, err := store.TryAcquireLock(ctx, "path:/repo-b", "t2"); err != nil || !ok {
		t.Fatalf("unrelated key must be free: %v %v", ok, err)
	}
}

func TestLocks_ReleaseChecksOwner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.TryAcquireLock(ctx, "global", "t1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := store.ReleaseLock(ctx, "global", "t2"); err != nil || ok {
		t.Fatalf("stale owner must not release: %v %v", ok, err)
	}
	locks, _ := store.ListLocks(ctx)
	if len(locks) != 1 || locks[0].TaskID != "t1" {
		t.Fatalf("lock should still be owned by t1: %+v", locks)
	}
	if ok, err := store.ReleaseLock(ctx, "global", "t1"); err != nil || !ok {
		t.Fatalf("owner release: %v %v", ok, err)
	}
	if ok, _ := store.TryAcquireLock(ctx, "global", "t2"); !ok {
		t.Fatalf("released key must be acquirable")
	}
}

func TestLocks_OrphansKeepRunningOwners(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, testSpec("live", "k1"), persistence.TaskStatusPending)
	if _, err := store.Transition(ctx, "live", persistence.TaskStatusPending, persistence.TaskStatusRunning, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, _ = store.TryAcquireLock(ctx, "k1", "live")
	_, _ = store.TryAcquireLock(ctx, "k2", "ghost")

	n, err := store.CountOrphanLocks(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count orphans: %d %v", n, err)
	}
	released, err := store.ReleaseOrphanLocks(ctx)
	if err != nil || released != 1 {
		t.Fatalf("release orphans: %d %v", released, err)
	}
	locks, _ := store.ListLocks(ctx)
	if len(locks) != 1 || locks[0].Key != "k1" {
		t.Fatalf("running owner's lock must survive: %+v", locks)
	}
}
