package persistence

import (
	"errors"
	"fmt"
	"os"
)

// ErrOwned is returned when another live process already owns the
// database.
var ErrOwned = errors.New("database is owned by another running threadclaw process")

// Owner is an exclusive advisory lock held by the process that runs
// recovery and workers against a database. The kernel drops it when the
// process dies, so a crashed daemon never blocks the next start.
type Owner struct {
	f *os.File
}

// OwnerPath is the lock file guarding dbPath.
func OwnerPath(dbPath string) string { return dbPath + ".owner" }

// AcquireOwner takes the ownership lock of dbPath without waiting.
func AcquireOwner(dbPath string) (*Owner, error) {
	f, err := os.OpenFile(OwnerPath(dbPath), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open owner lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &Owner{f: f}, nil
}

func (o *Owner) Release() error {
	if o == nil || o.f == nil {
		return nil
	}
	_ = unlockFile(o.f)
	err := o.f.Close()
	o.f = nil
	return err
}
