//go:build !(linux || darwin || freebsd || windows)

package downloads

import "errors"

// FreeSpace is not supported on this platform; callers skip the disk check.
func FreeSpace(path string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
