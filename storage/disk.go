package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Files being written are named with this prefix until complete, so they can
// never be mistaken for (or collide with) a stored key.
const tempPrefix = ".tmp-"

// DiskStore implements Store. Every value is a file in a flat directory, named
// exactly by its key.
type DiskStore struct {
	dir string
}

// NewDiskStore returns a store rooted at dir, creating the directory if
// needed. An empty dir is a configuration error.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk store: directory is missing: %w", ErrConfiguration)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("disk store: could not make dir %q: %v: %w", dir, err, ErrConfiguration)
	}
	return &DiskStore{dir: dir}, nil
}

// Put writes to a temporary file and renames it into place once it has been
// flushed and closed. Concurrent puts for the same key race, and the last
// rename wins; a reader never sees a partially written file.
func (s *DiskStore) Put(ctx context.Context, key string, source io.Reader) (err error) {
	if err := s.checkPut(key, source); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("could not create temp file for %q: %v: %w", key, err, ErrUnavailable)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	buf := make([]byte, copyBufferSize)
	if _, err = io.CopyBuffer(f, contextReader{ctx: ctx, r: source}, buf); err != nil {
		return fmt.Errorf("could not write %q: %v: %w", key, err, ErrUnavailable)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("could not flush %q: %v: %w", key, err, ErrUnavailable)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("could not close %q: %v: %w", key, err, ErrUnavailable)
	}
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("%q: %v: %w", key, err, ErrUnavailable)
	}
	if err = os.Rename(tmp, s.pathFor(key)); err != nil {
		return fmt.Errorf("could not rename into %q: %v: %w", key, err, ErrUnavailable)
	}
	return nil
}

// Get opens the file for key. Nothing is read before returning.
func (s *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.checkKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%q: %v: %w", key, err, ErrUnavailable)
	}
	f, err := os.Open(s.pathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not open %q: %v: %w", key, err, ErrUnavailable)
	}
	return f, nil
}

func (s *DiskStore) checkKey(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if strings.HasPrefix(key, tempPrefix) {
		return ErrInvalidArgument
	}
	return nil
}

func (s *DiskStore) checkPut(key string, source io.Reader) error {
	if err := s.checkKey(key); err != nil {
		return err
	}
	return checkPut(key, source)
}

func (s *DiskStore) pathFor(key string) string {
	return filepath.Join(s.dir, key)
}
