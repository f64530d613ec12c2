package sshchan

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Download copies the remote file or directory tree at remotePath to localPath.
// If localPath is an existing directory the remote entry is created inside it,
// otherwise it is created as localPath.
// The local path is validated before anything is sent.
func (s *ScpChannel) Download(remotePath, localPath string) error {
	if err := checkPath(localPath); err != nil {
		return err
	}

	if err := s.execScp(remotePath, ScpFrom); err != nil {
		return err
	}
	if err := s.sendEnd(); err != nil {
		return err
	}

	dirs := []*ScpFile{{LocalPath: localPath}}
	next := new(ScpFile)

	for {
		line, err := s.rd.ReadString('\n')
		if err == io.EOF && line == "" {
			break
		}
		if err != nil {
			return errors.Wrap(unexpectedEOF(err), "scp: reading control line")
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return errors.New("scp: empty control line")
		}

		cur := dirs[len(dirs)-1]

		switch line[0] {
		case 'T':
			if err := next.parseTimes(line); err != nil {
				return err
			}
			if err := s.sendEnd(); err != nil {
				return err
			}

		case 'C':
			if err := next.parseEntry(line); err != nil {
				return err
			}
			next.LocalPath = cur.Join(next.Name)

			if err := s.receiveFile(next); err != nil {
				return err
			}
			if err := applyTimes(next); err != nil {
				return err
			}
			next = new(ScpFile)

		case 'D':
			if err := next.parseEntry(line); err != nil {
				return err
			}
			next.LocalPath = cur.Join(next.Name)

			// owner needs write and search permission while the tree is filled in
			if err := os.MkdirAll(next.LocalPath, next.Mode|0o700); err != nil {
				return err
			}
			if err := s.sendEnd(); err != nil {
				return err
			}

			s.log.Debug("entered directory", zap.String("path", next.LocalPath))
			dirs = append(dirs, next)
			next = new(ScpFile)

		case 'E':
			if len(dirs) == 1 {
				return errors.New("scp: unbalanced directory exit")
			}
			done := dirs[len(dirs)-1]
			dirs = dirs[:len(dirs)-1]

			if err := os.Chmod(done.LocalPath, done.Mode); err != nil {
				return err
			}
			if err := applyTimes(done); err != nil {
				return err
			}
			if err := s.sendEnd(); err != nil {
				return err
			}

		case scpWarning, scpFatal:
			return &ScpError{
				Fatal:   line[0] == scpFatal,
				Message: line[1:],
			}

		default:
			return errors.Errorf("scp: unexpected control line %q", line)
		}
	}

	return s.ch.Close()
}

// receiveFile writes the body announced by a C line to f.LocalPath.
func (s *ScpChannel) receiveFile(f *ScpFile) (err error) {
	file, err := os.OpenFile(f.LocalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()

	if err := s.sendEnd(); err != nil {
		return err
	}

	n, err := io.CopyN(file, s.rd, int64(f.Size))
	if err != nil {
		return errors.Wrapf(unexpectedEOF(err), "scp: receiving %s after %d bytes", f.Name, n)
	}

	if err := s.readAck(); err != nil {
		return err
	}

	s.log.Debug("received file", zap.String("path", f.LocalPath), zap.Uint64("size", f.Size))
	return s.sendEnd()
}

func applyTimes(f *ScpFile) error {
	if !f.hasTimes {
		return nil
	}
	return os.Chtimes(f.LocalPath, time.Unix(f.AccessTime, 0), time.Unix(f.ModifyTime, 0))
}
