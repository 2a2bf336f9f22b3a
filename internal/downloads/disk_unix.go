//go:build linux || darwin || freebsd

package downloads

import "golang.org/x/sys/unix"

// FreeSpace reports the bytes available to unprivileged users on the
// filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	//nolint:gosec // block counts and sizes are never negative.
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
