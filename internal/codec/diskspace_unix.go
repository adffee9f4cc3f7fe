//go:build linux || darwin

package codec

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// availableBytes reports the space available to unprivileged writers on the
// volume holding path.
func availableBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", path, err)
	}

	//nolint:gosec // block size is always positive
	return st.Bavail * uint64(st.Bsize), nil
}
