package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	key     string
	payload []byte
}

type fakeTransport struct {
	sent    []published
	failAt  int
	failErr error
	calls   int
}

func (t *fakeTransport) publish(ctx context.Context, topic, key string, payload []byte) error {
	t.calls++
	if t.failErr != nil && t.calls == t.failAt {
		return t.failErr
	}
	t.sent = append(t.sent, published{topic: topic, key: key, payload: payload})
	return nil
}

func TestMemoryStoreFetchPendingSkipsSent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Insert(ctx, "evt-1", "events", "order-1", map[string]any{"n": 1}))
	require.NoError(t, store.Insert(ctx, "evt-2", "events", "order-1", map[string]any{"n": 2}))
	require.NoError(t, store.Insert(ctx, "evt-3", "events", "order-2", map[string]any{"n": 3}))

	recs, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "evt-1", recs[0].EventID)
	assert.Equal(t, "evt-2", recs[1].EventID)

	require.NoError(t, store.MarkSent(ctx, recs[0].ID))

	recs, err = store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "evt-2", recs[0].EventID)
	assert.Equal(t, "evt-3", recs[1].EventID)
}

func TestMemoryStoreFetchPendingHonorsLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, "evt", "events", "k", map[string]any{"i": i}))
	}

	recs, err := store.FetchPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestDrainMarksSentOnlyAfterPublish(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	transport := &fakeTransport{}
	relay := NewRelay(store, transport.publish, time.Second, zap.NewNop())

	require.NoError(t, store.Insert(ctx, "evt-1", "events", "order-1", map[string]any{"n": 1}))
	require.NoError(t, store.Insert(ctx, "evt-2", "events", "order-2", map[string]any{"n": 2}))

	relay.Drain(ctx)

	require.Len(t, transport.sent, 2)
	assert.Equal(t, "order-1", transport.sent[0].key)
	assert.Equal(t, "order-2", transport.sent[1].key)

	recs, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	transport := &fakeTransport{failAt: 2, failErr: errors.New("broker down")}
	relay := NewRelay(store, transport.publish, time.Second, zap.NewNop())

	require.NoError(t, store.Insert(ctx, "evt-1", "events", "order-1", map[string]any{"n": 1}))
	require.NoError(t, store.Insert(ctx, "evt-2", "events", "order-1", map[string]any{"n": 2}))
	require.NoError(t, store.Insert(ctx, "evt-3", "events", "order-1", map[string]any{"n": 3}))

	relay.Drain(ctx)

	// evt-1 went out; evt-2 failed and evt-3 must stay behind it.
	require.Len(t, transport.sent, 1)
	recs, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "evt-2", recs[0].EventID)
	assert.Equal(t, "evt-3", recs[1].EventID)

	// A later drain retries from the failed record.
	relay.Drain(ctx)
	require.Len(t, transport.sent, 3)
	assert.JSONEq(t, `{"n": 2}`, string(transport.sent[1].payload))
	recs, err = store.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
