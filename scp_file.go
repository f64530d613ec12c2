package sshchan

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ScpFile describes one file or directory of an scp transfer.
type ScpFile struct {
	Name       string
	Size       uint64
	Mode       os.FileMode
	ModifyTime int64
	AccessTime int64
	IsDir      bool

	// LocalPath is the local source or destination this entry is resolved against.
	LocalPath string

	hasTimes bool
}

// Join resolves the local destination for a remote entry called filename.
// If LocalPath is an existing directory the entry goes inside it,
// otherwise LocalPath is the destination itself.
func (f *ScpFile) Join(filename string) string {
	if fi, err := os.Stat(f.LocalPath); err == nil && fi.IsDir() {
		return filepath.Join(f.LocalPath, filename)
	}
	return f.LocalPath
}

// timesLine formats the T control line.
func (f *ScpFile) timesLine() string {
	return fmt.Sprintf("T%d 0 %d 0\n", f.ModifyTime, f.AccessTime)
}

// entryLine formats the C (file) or D (directory) control line.
func (f *ScpFile) entryLine() string {
	if f.IsDir {
		return fmt.Sprintf("D%04o 0 %s\n", f.Mode.Perm(), f.Name)
	}
	return fmt.Sprintf("C%04o %d %s\n", f.Mode.Perm(), f.Size, f.Name)
}

// parseTimes fills in the times from a T control line, without its trailing newline.
func (f *ScpFile) parseTimes(line string) error {
	fields := strings.Fields(strings.TrimPrefix(line, "T"))
	if len(fields) != 4 {
		return errors.Errorf("scp: malformed times line %q", line)
	}

	mtime, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "scp: malformed times line %q", line)
	}
	atime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "scp: malformed times line %q", line)
	}

	f.ModifyTime = mtime
	f.AccessTime = atime
	f.hasTimes = true
	return nil
}

// parseEntry fills in the entry from a C or D control line, without its trailing newline.
func (f *ScpFile) parseEntry(line string) error {
	if line == "" || (line[0] != 'C' && line[0] != 'D') {
		return errors.Errorf("scp: malformed entry line %q", line)
	}

	fields := strings.SplitN(line[1:], " ", 3)
	if len(fields) != 3 {
		return errors.Errorf("scp: malformed entry line %q", line)
	}

	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return errors.Wrapf(err, "scp: malformed mode in %q", line)
	}
	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "scp: malformed size in %q", line)
	}

	name := fields[2]
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return errors.Errorf("scp: refusing entry name %q", name)
	}

	f.IsDir = line[0] == 'D'
	f.Mode = os.FileMode(mode).Perm()
	f.Size = size
	f.Name = name
	return nil
}
