package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grovetools/tabsync/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lister interface {
	Store
	Keys(ctx context.Context) ([]string, error)
}

func newStores(t *testing.T) map[string]lister {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	return map[string]lister{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStoreOperations(t *testing.T) {
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, KeyAccessToken)
			require.NoError(t, err)
			assert.False(t, ok, "fresh store should be empty")

			require.NoError(t, s.Set(ctx, KeyAccessToken, []byte(`"tok1"`)))
			require.NoError(t, s.Set(ctx, KeyAccessToken, []byte(`"tok2"`)))

			got, ok, err := s.Get(ctx, KeyAccessToken)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `"tok2"`, string(got), "last write wins")

			require.NoError(t, SetJSON(ctx, s, KeyDataSynced, true))
			var synced bool
			ok, err = GetJSON(ctx, s, KeyDataSynced, &synced)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, synced)

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{KeyDataSynced, KeyAccessToken}, keys)

			require.NoError(t, s.Remove(ctx, KeyAccessToken))
			require.NoError(t, s.Remove(ctx, KeyAccessToken), "removing an absent key is not an error")
			_, ok, err = s.Get(ctx, KeyAccessToken)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape", ".hidden"} {
				err := s.Set(ctx, key, []byte("1"))
				assert.True(t, errors.Is(err, errors.ErrCodeStorage), "key %q", key)
			}
		})
	}
}

func TestGetJSONDecodeFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, KeyUser, []byte("not json")))

	var v map[string]interface{}
	ok, err := GetJSON(ctx, s, KeyUser, &v)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrCodeStorage))
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, KeyUser, value))
	value[0] = 'x'

	got, _, _ := s.Get(ctx, KeyUser)
	assert.Equal(t, "abc", string(got))
	got[0] = 'y'

	again, _, _ := s.Get(ctx, KeyUser)
	assert.Equal(t, "abc", string(again))
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range SessionKeys {
		require.NoError(t, s.Set(ctx, k, []byte("1")))
	}
	require.NoError(t, s.Set(ctx, KeySelectedTheme, []byte(`"dark"`)))

	require.NoError(t, RemoveAll(ctx, s, SessionKeys...))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{KeySelectedTheme}, keys)
}

func TestFileStoreSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := NewFileStore(dir)
	require.NoError(t, err)
	b, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, KeyRefreshToken, []byte(`"ref1"`)))
	got, ok, err := b.Get(ctx, KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"ref1"`, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCancelledContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Set(ctx, KeyUser, []byte("1"))
	assert.True(t, errors.Is(err, errors.ErrCodeStorage))
}

func TestFileStoreWatch(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, WithWatchDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	changed := make(chan string, 16)
	require.NoError(t, s.Watch(ctx, func(key string) {
		mu.Lock()
		seen[key]++
		mu.Unlock()
		changed <- key
	}))

	other, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, other.Set(context.Background(), KeyAccessToken, []byte(`"a"`)))
	require.NoError(t, other.Set(context.Background(), KeyAccessToken, []byte(`"b"`)))

	select {
	case key := <-changed:
		assert.Equal(t, KeyAccessToken, key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch notification")
	}

	require.NoError(t, other.Remove(context.Background(), KeyAccessToken))
	select {
	case key := <-changed:
		assert.Equal(t, KeyAccessToken, key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal notification")
	}
}
