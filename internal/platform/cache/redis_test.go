package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gliderblog/gliderblog/internal/shared"
)

func TestNewConnectsToSelectedDatabase(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("hunter2")

	client, err := New(context.Background(), Config{Addr: mr.Addr(), Password: "hunter2", DB: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.Select(2)
	assert.True(t, mr.Exists("k"))
}

func TestNewReportsUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{Addr: addr, PingTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
}
