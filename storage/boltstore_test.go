package storage

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltReaderReusesChunkBuffer(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.Nil(t, err)
	defer func() {
		_ = db.Close()
	}()
	store, err := NewBoltStore(db)
	require.Nil(t, err)

	value := bytes.Repeat([]byte("0123456789abcdef"), 8*boltChunkSize/16)
	require.Nil(t, store.Put(context.Background(), "key", bytes.NewReader(value)))
	rc, err := store.Get(context.Background(), "key")
	require.Nil(t, err)
	defer func() {
		_ = rc.Close()
	}()
	r := rc.(*boltReader)
	require.Equal(t, uint64(8), r.count)

	var got []byte
	var first *byte
	p := make([]byte, boltChunkSize/2)
	for {
		n, err := r.Read(p)
		got = append(got, p[:n]...)
		if err == io.EOF {
			break
		}
		require.Nil(t, err)
		if first == nil {
			first = &r.buf[0]
		} else {
			assert.Same(t, first, &r.buf[0], "chunk %d loaded into a new buffer", r.next)
		}
	}
	assert.Equal(t, value, got)
}
