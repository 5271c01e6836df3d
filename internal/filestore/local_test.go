package filestore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/contextd/internal/config"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := New(config.FileStoreConfig{Type: "local", Data: map[string]interface{}{"dir": t.TempDir()}})
	require.NoError(t, err)
	ctx := context.Background()

	content := "hello blob"
	require.NoError(t, store.Save(ctx, "blob-1", strings.NewReader(content), int64(len(content))))

	r, err := store.Open(ctx, "blob-1")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, content, string(data))

	require.NoError(t, store.Delete(ctx, "blob-1"))
	_, err = store.Open(ctx, "blob-1")
	require.Error(t, err)

	// deleting a missing key is not an error
	require.NoError(t, store.Delete(ctx, "blob-1"))
}

func TestLocalStoreRejectsPathKeys(t *testing.T) {
	store, err := New(config.FileStoreConfig{Type: "local", Data: map[string]interface{}{"dir": t.TempDir()}})
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, store.Save(ctx, "../escape", strings.NewReader("x"), 1))
	_, err = store.Open(ctx, "a/b")
	require.Error(t, err)
	require.Error(t, store.Delete(ctx, `a\b`))
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(config.FileStoreConfig{Type: "nope"})
	require.Error(t, err)
}
