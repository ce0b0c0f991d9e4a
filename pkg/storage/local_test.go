package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "tasks/abc.json", []byte(`{"id":"abc"}`)))

	data, err := s.Read(ctx, "tasks/abc.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc"}`, string(data))

	ok, err := s.Exists(ctx, "tasks/abc.json")
	require.NoError(t, err)
	assert.True(t, ok)

	paths, err := s.List(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks/abc.json"}, paths)

	require.NoError(t, s.Delete(ctx, "tasks/abc.json"))
	_, err = s.Read(ctx, "tasks/abc.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorage_OverwriteReplacesContent(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "doc.json", []byte("v1")))
	require.NoError(t, s.Write(ctx, "doc.json", []byte("v2")))

	data, err := s.Read(ctx, "doc.json")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	// The temp file from the atomic write never lingers.
	paths, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc.json"}, paths)
}

func TestLocalStorage_TraversalStaysInRoot(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStorage(root)
	require.NoError(t, err)
	ctx := context.Background()

	// Leading ../ segments collapse under the root instead of escaping it.
	require.NoError(t, s.Write(ctx, "../../escape.json", []byte("x")))

	ok, err := s.Exists(ctx, "escape.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStorage_MissingPath(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Read(ctx, "nope.json")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Delete(ctx, "nope.json")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, "nope.json")
	require.NoError(t, err)
	assert.False(t, ok)

	paths, err := s.List(ctx, "empty-prefix")
	require.NoError(t, err)
	assert.Nil(t, paths)
}
