//go:build unix

package disk

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lockRange takes an exclusive fcntl lock on the single byte at off.
func lockRange(f *os.File, off int64) error {
	lk := unix.Flock_t{Type: unix.F_WRLCK, Start: off, Len: 1}
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// unlockRange releases the lock taken by lockRange.
func unlockRange(f *os.File, off int64) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK, Start: off, Len: 1}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}
