package storage_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/nicolagi/depot/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStoreImplementations(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(*testing.T) (storage.Store, func())
	}{
		{
			name: "Store implementation backed by a BoltDB",
			setup: func(t *testing.T) (s storage.Store, teardown func()) {
				db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
				require.Nil(t, err)
				store, err := storage.NewBoltStore(db)
				require.Nil(t, err)
				return store, func() {
					_ = db.Close()
				}
			},
		},
		{
			name: "Store implementation backed by a map",
			setup: func(*testing.T) (s storage.Store, teardown func()) {
				return storage.NewInMemoryStore(), func() {
					// Nothing to do.
				}
			},
		},
		{
			name: "Store implementation backed by a host filesystem directory",
			setup: func(t *testing.T) (s storage.Store, teardown func()) {
				store, err := storage.NewDiskStore(t.TempDir())
				require.Nil(t, err)
				return store, func() {}
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, teardown := tc.setup(t)
			defer teardown()
			testStore(t, store)
		})
	}
}

func testStore(t *testing.T, store storage.Store) {
	ctx := context.Background()
	t.Run("what you put is what you get", func(t *testing.T) {
		key := randomKey()
		require.Nil(t, store.Put(ctx, key, bytes.NewReader([]byte("hello"))))
		assert.Equal(t, []byte("hello"), get(t, store, key))
	})
	t.Run("error on not existing key", func(t *testing.T) {
		rc, err := store.Get(ctx, randomKey())
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		assert.Nil(t, rc)
	})
	t.Run("can put an empty value", func(t *testing.T) {
		key := randomKey()
		require.Nil(t, store.Put(ctx, key, bytes.NewReader(nil)))
		assert.Empty(t, get(t, store, key))
	})
	t.Run("put overwrites", func(t *testing.T) {
		key := randomKey()
		require.Nil(t, store.Put(ctx, key, bytes.NewReader([]byte("old value"))))
		require.Nil(t, store.Put(ctx, key, bytes.NewReader([]byte("new"))))
		assert.Equal(t, []byte("new"), get(t, store, key))
	})
	t.Run("rejects invalid keys", func(t *testing.T) {
		for _, key := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
			err := store.Put(ctx, key, bytes.NewReader([]byte("x")))
			assert.True(t, errors.Is(err, storage.ErrInvalidArgument), "put %q: %v", key, err)
			_, err = store.Get(ctx, key)
			assert.True(t, errors.Is(err, storage.ErrInvalidArgument), "get %q: %v", key, err)
		}
	})
	t.Run("rejects a missing source", func(t *testing.T) {
		err := store.Put(ctx, randomKey(), nil)
		assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
	})
	t.Run("streams large values faithfully", func(t *testing.T) {
		key := randomKey()
		value := make([]byte, 3<<20+17)
		_, err := rand.Read(value)
		require.Nil(t, err)
		require.Nil(t, store.Put(ctx, key, bytes.NewReader(value)))
		rc, err := store.Get(ctx, key)
		require.Nil(t, err)
		defer rc.Close()
		h := sha256.New()
		n, err := io.Copy(h, rc)
		require.Nil(t, err)
		assert.EqualValues(t, len(value), n)
		assert.Equal(t, sha256.Sum256(value), [32]byte(h.Sum(nil)))
	})
	t.Run("concurrent puts to the same key never interleave", func(t *testing.T) {
		key := randomKey()
		const size = 300 * 1024
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			b := byte('a' + i)
			g.Go(func() error {
				return store.Put(ctx, key, bytes.NewReader(bytes.Repeat([]byte{b}, size)))
			})
		}
		require.Nil(t, g.Wait())
		value := get(t, store, key)
		require.Len(t, value, size)
		assert.Equal(t, bytes.Repeat(value[:1], size), value)
	})
	t.Run("concurrent puts to distinct keys", func(t *testing.T) {
		var g errgroup.Group
		keys := make([]string, 16)
		for i := range keys {
			i := i
			keys[i] = randomKey()
			g.Go(func() error {
				return store.Put(ctx, keys[i], bytes.NewReader([]byte(fmt.Sprintf("value %d", i))))
			})
		}
		require.Nil(t, g.Wait())
		for i, key := range keys {
			assert.Equal(t, fmt.Sprintf("value %d", i), string(get(t, store, key)))
		}
	})
	t.Run("cancelled put is not stored", func(t *testing.T) {
		key := randomKey()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err := store.Put(ctx, key, &cancellingReader{cancel: cancel})
		require.NotNil(t, err)
		_, err = store.Get(context.Background(), key)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
	t.Run("failing source is not stored", func(t *testing.T) {
		key := randomKey()
		err := store.Put(ctx, key, io.MultiReader(bytes.NewReader([]byte("partial")), errReader{}))
		require.NotNil(t, err)
		assert.False(t, errors.Is(err, storage.ErrInvalidArgument))
		_, err = store.Get(ctx, key)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
	t.Run("failing put keeps previous value", func(t *testing.T) {
		key := randomKey()
		require.Nil(t, store.Put(ctx, key, bytes.NewReader([]byte("kept"))))
		require.NotNil(t, store.Put(ctx, key, io.MultiReader(bytes.NewReader([]byte("lost")), errReader{})))
		assert.Equal(t, []byte("kept"), get(t, store, key))
	})
}

func TestDiskStore(t *testing.T) {
	ctx := context.Background()
	t.Run("missing directory is a configuration error", func(t *testing.T) {
		_, err := storage.NewDiskStore("")
		assert.True(t, errors.Is(err, storage.ErrConfiguration))
	})
	t.Run("creates the directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := storage.NewDiskStore(dir)
		require.Nil(t, err)
		info, err := os.Stat(dir)
		require.Nil(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("files are named by key and leave no temporaries", func(t *testing.T) {
		dir := t.TempDir()
		store, err := storage.NewDiskStore(dir)
		require.Nil(t, err)
		key := randomKey()
		require.Nil(t, store.Put(ctx, key, bytes.NewReader([]byte("foobar"))))
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		require.NotNil(t, store.Put(cctx, randomKey(), &cancellingReader{cancel: cancel}))
		entries, err := os.ReadDir(dir)
		require.Nil(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, key, entries[0].Name())
		content, err := os.ReadFile(filepath.Join(dir, key))
		require.Nil(t, err)
		assert.Equal(t, []byte("foobar"), content)
	})
	t.Run("temporary names are not valid keys", func(t *testing.T) {
		store, err := storage.NewDiskStore(t.TempDir())
		require.Nil(t, err)
		_, err = store.Get(ctx, ".tmp-123")
		assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
	})
	t.Run("open failures other than absence are unavailable", func(t *testing.T) {
		dir := t.TempDir()
		store, err := storage.NewDiskStore(dir)
		require.Nil(t, err)
		// A dangling symlink loop makes open fail with ELOOP.
		key := randomKey()
		require.Nil(t, os.Symlink(key, filepath.Join(dir, key)))
		_, err = store.Get(ctx, key)
		assert.True(t, errors.Is(err, storage.ErrUnavailable), "%v", err)
		assert.False(t, errors.Is(err, storage.ErrNotFound))
	})
}

func TestOpen(t *testing.T) {
	t.Run("fails fast on bad configuration", func(t *testing.T) {
		for _, c := range []storage.Config{
			{},
			{Kind: "foobar"},
			{Kind: storage.KindDisk},
			{Kind: storage.KindBolt},
			{Kind: storage.KindS3},
			{Kind: storage.KindS3, S3: storage.S3Options{Bucket: "b"}},
		} {
			_, _, err := storage.Open(c)
			assert.True(t, errors.Is(err, storage.ErrConfiguration), "%+v: %v", c, err)
		}
	})
	t.Run("opens known kinds", func(t *testing.T) {
		dir := t.TempDir()
		for _, c := range []storage.Config{
			{Kind: storage.KindDisk, Directory: filepath.Join(dir, "data")},
			{Kind: storage.KindMemory},
			{Kind: storage.KindBolt, BoltPath: filepath.Join(dir, "depot.db")},
			{Kind: storage.KindS3, S3: storage.S3Options{Bucket: "b", Region: "eu-west-2"}},
		} {
			s, closer, err := storage.Open(c)
			require.Nil(t, err, "%+v", c)
			assert.NotNil(t, s)
			assert.Nil(t, closer())
		}
	})
}

func get(t *testing.T, store storage.Store, key string) []byte {
	t.Helper()
	rc, err := store.Get(context.Background(), key)
	require.Nil(t, err)
	defer func() {
		assert.Nil(t, rc.Close())
	}()
	value, err := io.ReadAll(rc)
	require.Nil(t, err)
	return value
}

func randomKey() string {
	return uuid.NewString()
}

// cancellingReader yields one buffer of data, cancelling the put's context
// as it does so.
type cancellingReader struct {
	cancel func()
	done   bool
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if r.done {
		return len(p), nil
	}
	r.done = true
	r.cancel()
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}
