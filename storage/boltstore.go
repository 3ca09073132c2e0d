package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/boltdb/bolt"
)

// BoltStore is an implementation of Store whose backend is a Bolt database.
//
// A value is split into chunks written under a fresh generation, each in a
// small transaction, so a put never holds more than one batch in memory. The
// index entry for the key is switched to the new generation in the last
// transaction, which is what makes the write visible; the previous generation
// is dropped in that same transaction.
type BoltStore bolt.DB

var (
	indexBucket  = []byte("index")
	chunksBucket = []byte("chunks")
)

const (
	boltChunkSize = 64 * 1024
	// Chunks per write transaction.
	boltBatchChunks = 16
)

var errGenerationGone = errors.New("value was replaced while reading")

func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, fmt.Errorf("bolt store: database is missing: %w", ErrConfiguration)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{indexBucket, chunksBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("could not ensure bucket %q exists: %w", name, err)
			}
		}
		return nil
	})
	return (*BoltStore)(db), err
}

func (s *BoltStore) db() *bolt.DB {
	return (*bolt.DB)(s)
}

func (s *BoltStore) Put(ctx context.Context, key string, source io.Reader) (err error) {
	if err := checkPut(key, source); err != nil {
		return err
	}
	var gen uint64
	err = s.db().Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(chunksBucket)
		var err error
		if gen, err = chunks.NextSequence(); err != nil {
			return err
		}
		_, err = chunks.CreateBucket(u64(gen))
		return err
	})
	if err != nil {
		return fmt.Errorf("could not start generation for %q: %v: %w", key, err, ErrUnavailable)
	}
	defer func() {
		if err != nil {
			_ = s.db().Update(func(tx *bolt.Tx) error {
				return tx.Bucket(chunksBucket).DeleteBucket(u64(gen))
			})
		}
	}()

	r := contextReader{ctx: ctx, r: source}
	buf := make([]byte, boltChunkSize*boltBatchChunks)
	var count uint64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err = s.writeChunks(gen, count, buf[:n]); err != nil {
				return fmt.Errorf("could not write %q: %v: %w", key, err, ErrUnavailable)
			}
			count += uint64((n + boltChunkSize - 1) / boltChunkSize)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			err = rerr
			return fmt.Errorf("could not read value for %q: %v: %w", key, err, ErrUnavailable)
		}
	}

	err = s.db().Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		if prev := index.Get([]byte(key)); prev != nil {
			prevGen, _ := decodeIndex(prev)
			if err := tx.Bucket(chunksBucket).DeleteBucket(u64(prevGen)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return index.Put([]byte(key), encodeIndex(gen, count))
	})
	if err != nil {
		return fmt.Errorf("could not commit %q: %v: %w", key, err, ErrUnavailable)
	}
	return nil
}

func (s *BoltStore) writeChunks(gen, first uint64, data []byte) error {
	return s.db().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket).Bucket(u64(gen))
		if b == nil {
			return errGenerationGone
		}
		for seq := first; len(data) > 0; seq++ {
			n := boltChunkSize
			if n > len(data) {
				n = len(data)
			}
			if err := b.Put(u64(seq), data[:n]); err != nil {
				return err
			}
			data = data[n:]
		}
		return nil
	})
}

func (s *BoltStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var gen, count uint64
	var found bool
	err := s.db().View(func(tx *bolt.Tx) error {
		v := tx.Bucket(indexBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		gen, count = decodeIndex(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not look up %q: %v: %w", key, err, ErrUnavailable)
	}
	if !found {
		return nil, fmt.Errorf("%.40q: %w", key, ErrNotFound)
	}
	return &boltReader{ctx: ctx, db: s.db(), gen: gen, count: count}, nil
}

// boltReader reads one chunk per read transaction, so it holds no long-lived
// transaction open while the caller consumes the stream.
type boltReader struct {
	ctx   context.Context
	db    *bolt.DB
	gen   uint64
	count uint64
	next  uint64
	chunk []byte // unread part of buf
	buf   []byte
}

func (r *boltReader) Read(p []byte) (int, error) {
	if len(r.chunk) == 0 {
		if r.next >= r.count {
			return 0, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		if err := r.load(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.chunk)
	r.chunk = r.chunk[n:]
	return n, nil
}

func (r *boltReader) load() error {
	return r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket).Bucket(u64(r.gen))
		if b == nil {
			return errGenerationGone
		}
		v := b.Get(u64(r.next))
		if v == nil {
			return errGenerationGone
		}
		// Bolt values are only valid for the life of the transaction.
		r.buf = append(r.buf[:0], v...)
		r.chunk = r.buf
		r.next++
		return nil
	})
}

func (r *boltReader) Close() error {
	r.chunk = nil
	r.buf = nil
	r.next = r.count
	return nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func encodeIndex(gen, count uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, gen)
	binary.BigEndian.PutUint64(b[8:], count)
	return b
}

func decodeIndex(b []byte) (gen, count uint64) {
	if len(b) < 16 {
		return 0, 0
	}
	return binary.BigEndian.Uint64(b), binary.BigEndian.Uint64(b[8:])
}
