//go:build !unix

package retention

import "os"

func removeUnlocked(path string) error {
	return os.Remove(path)
}
