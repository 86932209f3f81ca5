//go:build unix

package retention

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// removeUnlocked deletes path unless another process holds a lock on it.
// It reports errLocked when the lock probe fails.
func removeUnlocked(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errLocked
		}
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return os.Remove(path)
}
