package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Store represents a blob store. Implementations must be safe for concurrent use.
type Store interface {
	// Put consumes source to completion and persists its bytes under key,
	// overwriting any previous value. Put returns only after the value is
	// durable, so a subsequent Get will see it.
	Put(ctx context.Context, key string, source io.Reader) error

	// Get should return ErrNotFound if the key is not in the store. The caller
	// must close the returned stream.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

var (
	// ErrNotFound indicates a key is not in the store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates an empty or malformed key, or a missing
	// source.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable indicates an I/O fault in the backend, distinct from the key
	// not being there.
	ErrUnavailable = errors.New("unavailable")

	// ErrConfiguration indicates a store could not be constructed from the given
	// options.
	ErrConfiguration = errors.New("configuration error")
)

// checkKey rejects keys that cannot name a single object in a flat namespace.
func checkKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return ErrInvalidArgument
	}
	if strings.ContainsAny(key, "/\\\x00") {
		return ErrInvalidArgument
	}
	return nil
}

func checkPut(key string, source io.Reader) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if source == nil {
		return ErrInvalidArgument
	}
	return nil
}

// contextReader makes a copy loop abortable: each read first checks whether
// the context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// copyBufferSize bounds the memory used by a single transfer.
const copyBufferSize = 32 * 1024
