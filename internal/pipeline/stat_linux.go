//go:build linux

package pipeline

import (
	"os"
	"syscall"
	"time"
)

// createdTime approximates creation with the inode change time. Linux
// only exposes true birth time through statx, which is more than this
// needs.
func createdTime(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return info.ModTime()
}
