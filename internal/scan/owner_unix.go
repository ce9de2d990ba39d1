//go:build !windows

package scan

import (
	"os"
	"syscall"
)

// owner extracts uid and gid from file info on Unix systems.
func owner(info os.FileInfo) (int, int) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return -1, -1
	}
	return int(stat.Uid), int(stat.Gid)
}
