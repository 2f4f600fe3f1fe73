package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/core"
)

var idemRef = core.ActorRef{TenantID: "acme", ActorType: "order", ActorID: "o-1"}

func TestMemoryIdempotencyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(time.Hour)

	rec, err := store.Get(ctx, idemRef, "req-1")
	require.NoError(t, err)
	require.Nil(t, rec)

	won, err := store.Put(ctx, idemRef, "req-1", &IdempotencyRecord{
		MessageID: "m-1",
		Result:    json.RawMessage(`{"total":42}`),
	})
	require.NoError(t, err)
	require.True(t, won)

	won, err = store.Put(ctx, idemRef, "req-1", &IdempotencyRecord{MessageID: "m-2"})
	require.NoError(t, err)
	require.False(t, won)

	rec, err = store.Get(ctx, idemRef, "req-1")
	require.NoError(t, err)
	require.Equal(t, "m-1", rec.MessageID)
	require.JSONEq(t, `{"total":42}`, string(rec.Result))
}

func TestMemoryIdempotencyScopedByActor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(time.Hour)

	_, err := store.Put(ctx, idemRef, "req-1", &IdempotencyRecord{MessageID: "m-1"})
	require.NoError(t, err)

	other := core.ActorRef{TenantID: "acme", ActorType: "order", ActorID: "o-2"}
	rec, err := store.Get(ctx, other, "req-1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestMemoryIdempotencyExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(time.Minute)
	now := time.Now()
	store.SetClock(func() time.Time { return now })

	_, err := store.Put(ctx, idemRef, "req-1", &IdempotencyRecord{MessageID: "m-1"})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	rec, err := store.Get(ctx, idemRef, "req-1")
	require.NoError(t, err)
	require.Nil(t, rec)

	// The expired slot is writable again.
	won, err := store.Put(ctx, idemRef, "req-1", &IdempotencyRecord{MessageID: "m-2"})
	require.NoError(t, err)
	require.True(t, won)
}

func TestRedisIdempotencyRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewRedisIdempotencyStore(client, "loom", time.Hour)
	require.NoError(t, err)

	rec, err := store.Get(ctx, idemRef, "req-1")
	require.NoError(t, err)
	require.Nil(t, rec)

	won, err := store.Put(ctx, idemRef, "req-1", &IdempotencyRecord{
		MessageID:   "m-1",
		Result:      json.RawMessage(`"ok"`),
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, won)

	won, err = store.Put(ctx, idemRef, "req-1", &IdempotencyRecord{MessageID: "m-2"})
	require.NoError(t, err)
	require.False(t, won)

	rec, err = store.Get(ctx, idemRef, "req-1")
	require.NoError(t, err)
	require.Equal(t, "m-1", rec.MessageID)

	mr.FastForward(2 * time.Hour)
	rec, err = store.Get(ctx, idemRef, "req-1")
	require.NoError(t, err)
	require.Nil(t, rec)
}
