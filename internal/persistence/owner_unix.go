//go:build unix

package persistence

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

const ownerEnforced = true

func lockFile(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return ErrOwned
	}
	if err != nil {
		return fmt.Errorf("lock owner file: %w", err)
	}
	return nil
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
