package record

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// exerciseRecord runs the SystemOfRecord contract against any implementation.
func exerciseRecord(t *testing.T, sor SystemOfRecord) {
	ctx := context.Background()

	_, err := sor.GetItem(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	ids, err := sor.CreateChildItems(ctx, "epic-1", []ChildSpec{
		{ExternalID: "item-a", Title: "A", Description: "first"},
		{ExternalID: "item-b", Title: "B"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	child, err := sor.GetItem(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "epic-1", child.ParentID)
	assert.Equal(t, "item-a", child.ExternalID)
	assert.Equal(t, "pending", child.Status)

	require.NoError(t, sor.UpdateStatus(ctx, ids[0], StatusUpdate{Status: "running"}))
	require.NoError(t, sor.UpdateStatus(ctx, ids[0], StatusUpdate{Status: "succeeded", Routing: "review_required"}))
	child, err = sor.GetItem(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "succeeded", child.Status)
	assert.Equal(t, "review_required", child.Routing)
	assert.Equal(t, "A", child.Title, "status updates must not clobber other fields")

	// records are created on demand when there is no parent
	require.NoError(t, sor.UpdateStatus(ctx, "item-z", StatusUpdate{Status: "dead_lettered", Diagnostics: "boom"}))
	z, err := sor.GetItem(ctx, "item-z")
	require.NoError(t, err)
	assert.Equal(t, "boom", z.Diagnostics)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseRecord(t, m)

	require.NoError(t, m.UpdateStatus(context.Background(), "x", StatusUpdate{Status: "running"}))
	require.NoError(t, m.UpdateStatus(context.Background(), "x", StatusUpdate{Status: "succeeded"}))
	assert.Equal(t, []string{"running", "succeeded"}, m.History("x"))
}

func TestRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	r, err := NewRedis(ctx, "redis://"+endpoint, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	exerciseRecord(t, r)

	children, err := r.Children(ctx, "epic-1")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	n, err := r.rdb.XLen(ctx, eventsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not a url", nil)
	assert.Error(t, err)
}
