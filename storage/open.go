package storage

import (
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// Kind names one of the known Store implementations.
type Kind string

const (
	KindDisk   Kind = "disk"
	KindMemory Kind = "memory"
	KindBolt   Kind = "bolt"
	KindS3     Kind = "s3"
)

// Config selects and configures a Store. Only the properties relevant to Kind
// are consulted.
type Config struct {
	Kind Kind

	// Properties for the "disk" kind.
	Directory string

	// Properties for the "bolt" kind.
	BoltPath string

	// Properties for the "s3" kind.
	S3 S3Options
}

// Open constructs the store described by c. The returned function releases
// any resources held by the store and must be called once the store is no
// longer used.
func Open(c Config) (Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Kind {
	case KindDisk:
		s, err := NewDiskStore(c.Directory)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case KindMemory:
		return NewInMemoryStore(), noop, nil
	case KindBolt:
		if c.BoltPath == "" {
			return nil, nil, fmt.Errorf("bolt store: path is missing: %w", ErrConfiguration)
		}
		db, err := bolt.Open(c.BoltPath, 0600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("bolt store: could not open %q: %v: %w", c.BoltPath, err, ErrConfiguration)
		}
		s, err := NewBoltStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("bolt store: %v: %w", err, ErrConfiguration)
		}
		return s, db.Close, nil
	case KindS3:
		s, err := NewS3Store(c.S3)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "":
		return nil, nil, fmt.Errorf("storage type is missing: %w", ErrConfiguration)
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q: %w", c.Kind, ErrConfiguration)
	}
}
