//go:build linux

package build

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// createdAt prefers the birth time reported by statx. Filesystems without
// birth times fall back to the status change time.
func createdAt(path string) (time.Time, error) {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME|unix.STATX_CTIME, &stx)
	if err != nil {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return time.Time{}, statErr
		}
		return info.ModTime(), nil
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)), nil
	}
	return time.Unix(stx.Ctime.Sec, int64(stx.Ctime.Nsec)), nil
}
