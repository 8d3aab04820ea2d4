// Package secretstore implements the one-shot credential bundle service:
// opaque blobs stored on local disk, destroyed after a bounded number of
// reads.
package secretstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var refPattern = regexp.MustCompile(`^[a-f0-9]{1,64}$`)

// ValidRef reports whether ref is a lowercase hex identifier of sane length.
// Everything else is rejected before touching the filesystem.
func ValidRef(ref string) bool { return refPattern.MatchString(ref) }

// ErrNotFound is returned for unknown or already destroyed refs.
var ErrNotFound = errors.New("bundle not found")

// Store keeps each bundle as <ref>.tar with a sidecar <ref>.hits read
// counter. Files are owner-only; writes go through a temp file and rename.
type Store struct {
	dir      string
	maxReads int
}

// New creates the backing directory if needed.
func New(dir string, maxReads int) (*Store, error) {
	if maxReads <= 0 {
		maxReads = 1
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("op=secretstore.new: %w", err)
	}
	return &Store{dir: dir, maxReads: maxReads}, nil
}

func (s *Store) bundlePath(ref string) string { return filepath.Join(s.dir, ref+".tar") }
func (s *Store) hitsPath(ref string) string   { return filepath.Join(s.dir, ref+".hits") }

// Put stores the bundle, resetting the read counter. An existing ref is
// overwritten atomically.
func (s *Store) Put(ref string, data []byte) error {
	if !ValidRef(ref) {
		return fmt.Errorf("op=secretstore.put: invalid ref")
	}
	if err := writeAtomic(s.bundlePath(ref), data); err != nil {
		return fmt.Errorf("op=secretstore.put: %w", err)
	}
	if err := writeAtomic(s.hitsPath(ref), []byte("0")); err != nil {
		return fmt.Errorf("op=secretstore.put: %w", err)
	}
	return nil
}

// Get returns the bundle and whether this read exhausted the budget. When
// destroy is true the caller must call Destroy after the response is sent.
func (s *Store) Get(ref string) (data []byte, destroy bool, err error) {
	if !ValidRef(ref) {
		return nil, false, ErrNotFound
	}
	data, err = os.ReadFile(s.bundlePath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("op=secretstore.get: %w", err)
	}

	hits := 0
	if raw, err := os.ReadFile(s.hitsPath(ref)); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			hits = n
		}
	}
	hits++
	if err := writeAtomic(s.hitsPath(ref), []byte(strconv.Itoa(hits))); err != nil {
		return nil, false, fmt.Errorf("op=secretstore.get: %w", err)
	}
	return data, hits >= s.maxReads, nil
}

// Destroy removes the bundle and its counter. Missing files are fine.
func (s *Store) Destroy(ref string) error {
	if !ValidRef(ref) {
		return nil
	}
	var first error
	for _, p := range []string{s.bundlePath(ref), s.hitsPath(ref)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	if first != nil {
		return fmt.Errorf("op=secretstore.destroy: %w", first)
	}
	return nil
}

// Exists reports whether the bundle file is present.
func (s *Store) Exists(ref string) bool {
	if !ValidRef(ref) {
		return false
	}
	_, err := os.Stat(s.bundlePath(ref))
	return err == nil
}

// writeAtomic writes owner-only through a pid-suffixed temp file, fsyncs
// and renames into place.
func writeAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
