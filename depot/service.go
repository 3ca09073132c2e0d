// Package depot implements the blob service: it names new blobs with random
// identifiers, hands their bytes to a storage.Store, and serves them back with
// a content type inferred from their leading bytes.
package depot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/nicolagi/depot/sniff"
	"github.com/nicolagi/depot/storage"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidIdentifier indicates an identifier that is not a canonical
	// 36-character UUID. The store is not consulted.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrNotFound indicates there is no blob for a well-formed identifier.
	ErrNotFound = errors.New("blob not found")

	// ErrStorageFailure indicates the store failed. The wrapped error carries
	// the cause, which is meant for logs and not for clients.
	ErrStorageFailure = errors.New("storage failure")
)

// Blob is a stored blob being read. The caller must close it.
type Blob struct {
	io.ReadCloser
	ContentType string
}

type Option func(*options)

type options struct {
	newID  func() (uuid.UUID, error)
	logger *log.Entry
}

// WithIDGenerator replaces the source of identifiers for new blobs.
func WithIDGenerator(value func() (uuid.UUID, error)) Option {
	return func(o *options) {
		o.newID = value
	}
}

func WithLogger(value *log.Entry) Option {
	return func(o *options) {
		o.logger = value
	}
}

// Service stores and retrieves blobs. It holds no state besides the store and
// is safe for concurrent use.
type Service struct {
	opts  options
	store storage.Store
}

func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{store: store}
	s.opts.newID = uuid.NewRandom
	s.opts.logger = log.WithField("component", "depot")
	for _, o := range opts {
		o(&s.opts)
	}
	return s
}

// Store saves all of source as a new blob and returns its identifier. A
// failed store is never retried.
func (s *Service) Store(ctx context.Context, source io.Reader) (uuid.UUID, error) {
	id, err := s.opts.newID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("could not generate identifier: %v: %w", err, ErrStorageFailure)
	}
	logger := s.opts.logger.WithFields(log.Fields{
		"op": "store",
		"id": id,
	})
	if err := s.store.Put(ctx, id.String(), source); err != nil {
		logger.WithField("err", err).Error("Could not store blob")
		return uuid.Nil, fmt.Errorf("%v: %w", err, ErrStorageFailure)
	}
	logger.Debug("Stored")
	return id, nil
}

// Retrieve opens the blob named by id and sniffs its content type.
func (s *Service) Retrieve(ctx context.Context, id string) (*Blob, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	logger := s.opts.logger.WithFields(log.Fields{
		"op": "retrieve",
		"id": parsed,
	})
	rc, err := s.store.Get(ctx, parsed.String())
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("Not found")
		return nil, fmt.Errorf("%s: %w", parsed, ErrNotFound)
	}
	if err != nil {
		logger.WithField("err", err).Error("Could not open blob")
		return nil, fmt.Errorf("%v: %w", err, ErrStorageFailure)
	}
	body, contentType, err := sniff.Reader(rc)
	if err != nil {
		if cerr := rc.Close(); cerr != nil {
			logger.WithField("err", cerr).Warn("Could not close blob")
		}
		logger.WithField("err", err).Error("Could not read blob")
		return nil, fmt.Errorf("%s: %v: %w", parsed, err, ErrStorageFailure)
	}
	logger.WithField("type", contentType).Debug("Opened")
	return &Blob{ReadCloser: body, ContentType: contentType}, nil
}

// ParseID accepts only the canonical hyphenated form of a UUID, in either
// case. Other encodings that uuid.Parse tolerates (URN, braces, bare hex) are
// rejected, since they would name the same blob in more than one way.
func ParseID(id string) (uuid.UUID, error) {
	if len(id) != 36 {
		return uuid.Nil, fmt.Errorf("%.40q: %w", id, ErrInvalidIdentifier)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%.40q: %w", id, ErrInvalidIdentifier)
	}
	return parsed, nil
}
