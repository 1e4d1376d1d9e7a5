//go:build unix

package fsstore

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/corpcore/orchestrator/corperrors"
)

// flockExclusive takes a non-blocking advisory exclusive lock on f. Its
// only caller is Store.AppendBytes, which calls it for files that expose a
// file descriptor. The ledger writes entries through WriteJSON, which
// takes no flock, so nothing here guards the ledger against a second
// process writing to the same root directory.
func flockExclusive(f interface{ Fd() uintptr }) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("%w: flock: %v", corperrors.ErrStorage, err)
	}
	return nil
}

func funlock(f interface{ Fd() uintptr }) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
