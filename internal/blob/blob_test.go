package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("image bytes"), "image/jpeg")
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("image bytes"), data)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	assert.True(t, IsNotFound(err))
}

func TestFSStoreRejectsPathEscape(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "../../etc/passwd")
	assert.True(t, IsNotFound(err))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("image bytes"), "image/jpeg")
	require.NoError(t, err)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("image bytes"), data)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	assert.True(t, IsNotFound(err))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(TransientError(errors.New("dial tcp"))))
	assert.False(t, IsRetryable(PermanentNotFound()))
	assert.True(t, IsNotFound(PermanentNotFound()))
	assert.False(t, IsNotFound(TransientError(errors.New("dial tcp"))))
	assert.False(t, IsRetryable(errors.New("plain")))
}
