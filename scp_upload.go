package sshchan

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kr/fs"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Upload copies the local file or directory tree at localPath to remotePath.
// The local path is validated before anything is sent.
func (s *ScpChannel) Upload(localPath, remotePath string) error {
	if err := checkPath(localPath); err != nil {
		return err
	}

	fi, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	if err := s.execScp(remotePath, ScpTo); err != nil {
		return err
	}
	if err := s.readAck(); err != nil {
		return err
	}

	if fi.IsDir() {
		err = s.sendTree(filepath.Clean(localPath))
	} else {
		err = s.sendFile(localPath, fi)
	}
	if err != nil {
		return err
	}

	if err := s.ch.CloseWrite(); err != nil {
		return err
	}
	return s.waitClosed()
}

// sendTree walks root depth first, entering and leaving remote directories as the walk does.
func (s *ScpChannel) sendTree(root string) error {
	var dirs []string

	walker := fs.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}

		path, fi := walker.Path(), walker.Stat()

		for len(dirs) > 0 && !within(dirs[len(dirs)-1], path) {
			if err := s.leaveDir(); err != nil {
				return err
			}
			dirs = dirs[:len(dirs)-1]
		}

		switch {
		case fi.IsDir():
			if err := s.enterDir(path, fi); err != nil {
				return err
			}
			dirs = append(dirs, path)

		case fi.Mode().IsRegular():
			if err := s.sendFile(path, fi); err != nil {
				return err
			}

		default:
			s.log.Debug("skipping non-regular file", zap.String("path", path), zap.Stringer("mode", fi.Mode()))
		}
	}

	for range dirs {
		if err := s.leaveDir(); err != nil {
			return err
		}
	}

	return nil
}

// within reports whether path lies strictly below dir.
// Walker paths are joined with filepath.Join, so "." and "/" roots have no common prefix to test.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *ScpChannel) control(line string) error {
	if err := s.sendString(line); err != nil {
		return err
	}
	return s.readAck()
}

func (s *ScpChannel) sendTimes(f *ScpFile) error {
	return s.control(f.timesLine())
}

func (s *ScpChannel) enterDir(path string, fi os.FileInfo) error {
	f := localScpFile(path, fi)

	if err := s.sendTimes(f); err != nil {
		return err
	}

	s.log.Debug("entering directory", zap.String("path", path))
	return s.control(f.entryLine())
}

func (s *ScpChannel) leaveDir() error {
	return s.control("E\n")
}

func (s *ScpChannel) sendFile(path string, fi os.FileInfo) (err error) {
	f := localScpFile(path, fi)

	if err := s.sendTimes(f); err != nil {
		return err
	}
	if err := s.control(f.entryLine()); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()

	n, err := io.CopyN(scpWriter{s}, file, int64(f.Size))
	if err != nil {
		return errors.Wrapf(err, "scp: sending %s after %d bytes", path, n)
	}

	if err := s.sendEnd(); err != nil {
		return err
	}

	s.log.Debug("sent file", zap.String("path", path), zap.Uint64("size", f.Size))
	return s.readAck()
}

func localScpFile(path string, fi os.FileInfo) *ScpFile {
	mtime, atime := fileTimes(path, fi)

	return &ScpFile{
		Name:       fi.Name(),
		Size:       uint64(fi.Size()),
		Mode:       fi.Mode().Perm(),
		ModifyTime: mtime,
		AccessTime: atime,
		IsDir:      fi.IsDir(),
		LocalPath:  path,
		hasTimes:   true,
	}
}

// scpWriter sends everything written to it as channel data.
type scpWriter struct {
	s *ScpChannel
}

func (w scpWriter) Write(p []byte) (int, error) {
	if err := w.s.sendBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
