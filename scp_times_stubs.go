//go:build !linux && !darwin && !freebsd

package sshchan

import (
	"os"
)

// fileTimes returns the modification time of fi for both times,
// as the access time is not portably available.
func fileTimes(path string, fi os.FileInfo) (mtime, atime int64) {
	return fi.ModTime().Unix(), fi.ModTime().Unix()
}
