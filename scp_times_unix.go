//go:build linux || darwin || freebsd

package sshchan

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileTimes returns the modification and access times of path in seconds since the epoch.
func fileTimes(path string, fi os.FileInfo) (mtime, atime int64) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fi.ModTime().Unix(), fi.ModTime().Unix()
	}

	msec, _ := st.Mtim.Unix()
	asec, _ := st.Atim.Unix()
	return msec, asec
}
