package artifact

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	handle, err := store.Put(ctx, "results.xml", strings.NewReader("<testsuite/>"))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	rc, err := store.Get(ctx, handle)
	require.NoError(t, err)
	defer rc.Close()

	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<testsuite/>", string(content))
}

func TestFSStoreSameNameDistinctHandles(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	h1, err := store.Put(ctx, "results.xml", strings.NewReader("a"))
	require.NoError(t, err)
	h2, err := store.Put(ctx, "results.xml", strings.NewReader("b"))
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2, "matrix points may reuse the same logical name")
}

func TestFSStoreGetMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "nope/nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	handle, err := store.Put(ctx, "x", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, handle))
	assert.ErrorIs(t, store.Delete(ctx, handle), ErrNotFound)
}

func TestFSStoreHandleCannotEscapeBase(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound, "traversal resolves inside the base dir")
}
