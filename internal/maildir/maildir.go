// Package maildir implements Relay's durable envelope store using the
// Maildir convention: a tmp/ staging area, a new/ area of unclaimed
// messages, a cur/ area of processed messages, and a dlq/ area for
// envelopes that exhausted delivery. Writes are staged in tmp/, fsynced,
// then atomically renamed into place so a crash never leaves a reader
// observing a partially written file.
package maildir

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

const (
	dirTmp = "tmp"
	dirNew = "new"
	dirCur = "cur"
	dirDLQ = "dlq"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Store is a single Maildir-style envelope store rooted at one directory.
type Store struct {
	root string
}

// Open creates (if necessary) the tmp/new/cur/dlq subdirectories under root
// and returns a Store bound to them.
func Open(root string) (*Store, error) {
	for _, d := range []string{dirTmp, dirNew, dirCur, dirDLQ} {
		if err := os.MkdirAll(filepath.Join(root, d), dirPerm); err != nil {
			return nil, fmt.Errorf("%w: mkdir %s: %v", relayerr.ErrStorage, d, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) path(dir, name string) string { return filepath.Join(s.root, dir, name) }

func newName() string {
	var entropy [10]byte
	_, _ = io.ReadFull(rand.Reader, entropy[:])
	id := ulid.MustNew(ulid.Timestamp(time.Now()), bytes.NewReader(entropy[:]))
	return id.String() + ".json"
}

// Put marshals env and durably stages it in new/, returning the filename
// it was written under (also used as the envelope's storage key for
// MarkProcessed / ToDLQ / Read).
func (s *Store) Put(env relaymodels.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: marshal envelope: %v", relayerr.ErrStorage, err)
	}

	name := newName()
	tmpPath := s.path(dirTmp, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return "", fmt.Errorf("%w: create tmp: %v", relayerr.ErrStorage, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: write tmp: %v", relayerr.ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: fsync tmp: %v", relayerr.ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: close tmp: %v", relayerr.ErrStorage, err)
	}

	newPath := s.path(dirNew, name)
	if err := renameDurable(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: stage to new: %v", relayerr.ErrStorage, err)
	}
	if err := fsyncDir(filepath.Join(s.root, dirNew)); err != nil {
		return "", fmt.Errorf("%w: fsync new dir: %v", relayerr.ErrStorage, err)
	}
	return name, nil
}

// ListNew returns the filenames currently staged in new/, oldest first
// (filenames are ULIDs and therefore lexicographically time-ordered).
func (s *Store) ListNew() ([]string, error) {
	names, err := listDir(filepath.Join(s.root, dirNew))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Read loads the envelope stored under name, searching new/ then cur/.
func (s *Store) Read(name string) (relaymodels.Envelope, error) {
	for _, dir := range []string{dirNew, dirCur} {
		body, err := os.ReadFile(s.path(dir, name))
		if err == nil {
			var env relaymodels.Envelope
			if jerr := json.Unmarshal(body, &env); jerr != nil {
				return relaymodels.Envelope{}, fmt.Errorf("%w: unmarshal %s: %v", relayerr.ErrStorage, name, jerr)
			}
			return env, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return relaymodels.Envelope{}, fmt.Errorf("%w: read %s: %v", relayerr.ErrStorage, name, err)
		}
	}
	return relaymodels.Envelope{}, fmt.Errorf("%w: %s", relayerr.ErrNotFound, name)
}

// MarkProcessed moves name from new/ to cur/, so ListNew no longer reports
// it for replay. It records nothing about delivery: RelayCore calls it once
// the envelope has been enqueued for every matching adapter, before those
// adapters have delivered it.
func (s *Store) MarkProcessed(name string) error {
	return s.moveTo(name, dirNew, dirCur)
}

// ToDLQ moves name from new/ to dlq/ and writes a sibling ".reason" file
// recording why delivery was abandoned.
func (s *Store) ToDLQ(name, reason string) error {
	if err := s.moveTo(name, dirNew, dirDLQ); err != nil {
		return err
	}
	reasonPath := s.path(dirDLQ, name) + ".reason"
	if err := os.WriteFile(reasonPath, []byte(reason), filePerm); err != nil {
		return fmt.Errorf("%w: write dlq reason: %v", relayerr.ErrStorage, err)
	}
	return nil
}

func (s *Store) moveTo(name, fromDir, toDir string) error {
	from := s.path(fromDir, name)
	to := s.path(toDir, name)
	if err := renameDurable(from, to); err != nil {
		return fmt.Errorf("%w: move %s -> %s: %v", relayerr.ErrStorage, fromDir, toDir, err)
	}
	if err := fsyncDir(filepath.Join(s.root, toDir)); err != nil {
		return fmt.Errorf("%w: fsync %s dir: %v", relayerr.ErrStorage, toDir, err)
	}
	return nil
}

// ReapStaleTmp removes tmp/ entries older than maxAge: leftovers from a
// process that crashed between creating a tmp file and renaming it into
// new/. It returns the number of files removed.
func (s *Store) ReapStaleTmp(maxAge time.Duration) (int, error) {
	dir := filepath.Join(s.root, dirTmp)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read tmp dir: %v", relayerr.ErrStorage, err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", relayerr.ErrStorage, dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// fsyncDir fsyncs a directory's metadata, the durability step required
// after a rename for the new directory entry to survive a crash.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
