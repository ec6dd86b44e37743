package buffer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T) (*Buffer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), client
}

func entryFor(ref, debit, credit, amount string) Entry {
	return Entry{
		ReferenceID:     ref,
		DebitAccountID:  debit,
		CreditAccountID: credit,
		Amount:          decimal.RequireFromString(amount),
		Type:            "TRANSFER",
		Timestamp:       1700000000000,
	}
}

func TestEnqueueAppliesAggregateAndQueue(t *testing.T) {
	buf, client := newTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, buf.Enqueue(ctx, entryFor("R1", "acc-a", "acc-b", "40")))
	require.NoError(t, buf.Enqueue(ctx, entryFor("R2", "acc-a", "acc-c", "15.5")))

	net, err := buf.PendingNet(ctx, "acc-a")
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("-55.5")), "got %s", net)

	net, err = buf.PendingNet(ctx, "acc-b")
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("40")), "got %s", net)

	n, err := client.LLen(ctx, queueKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestPendingNetUnknownAccountIsZero(t *testing.T) {
	buf, _ := newTestBuffer(t)

	net, err := buf.PendingNet(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, net.IsZero())
}

func TestDrainMovesEntriesToProcessingInOrder(t *testing.T) {
	buf, client := newTestBuffer(t)
	ctx := context.Background()

	for _, ref := range []string{"R1", "R2", "R3"} {
		require.NoError(t, buf.Enqueue(ctx, entryFor(ref, "acc-a", "acc-b", "1")))
	}

	entries, err := buf.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "R1", entries[0].ReferenceID)
	assert.Equal(t, "R2", entries[1].ReferenceID)

	remaining, err := client.LLen(ctx, queueKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, remaining)

	processing, err := client.LLen(ctx, processingKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, processing)
}

func TestDrainEmptyQueue(t *testing.T) {
	buf, _ := newTestBuffer(t)

	entries, err := buf.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReverseClearsAggregateAndProcessing(t *testing.T) {
	buf, client := newTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, buf.Enqueue(ctx, entryFor("R1", "acc-a", "acc-b", "40")))
	require.NoError(t, buf.Enqueue(ctx, entryFor("R2", "acc-b", "acc-a", "10")))

	entries, err := buf.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, buf.Reverse(ctx, entries))

	// Deltas net to zero, so the hash fields are deleted outright.
	fields, err := client.HGetAll(ctx, aggregateKey).Result()
	require.NoError(t, err)
	assert.Empty(t, fields)

	processing, err := client.Exists(ctx, processingKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, processing)
}

func TestReverseLeavesResidueFromNewerEntries(t *testing.T) {
	buf, _ := newTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, buf.Enqueue(ctx, entryFor("R1", "acc-a", "acc-b", "40")))
	batch, err := buf.Drain(ctx, 10)
	require.NoError(t, err)

	// A second admission lands while the first batch is being committed.
	require.NoError(t, buf.Enqueue(ctx, entryFor("R2", "acc-a", "acc-b", "10")))

	require.NoError(t, buf.Reverse(ctx, batch))

	net, err := buf.PendingNet(ctx, "acc-a")
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("-10")), "got %s", net)
}

func TestReverseKeepsStrandedEntriesOnProcessing(t *testing.T) {
	buf, client := newTestBuffer(t)
	ctx := context.Background()

	// First batch drains but its commit never happens.
	require.NoError(t, buf.Enqueue(ctx, entryFor("R1", "acc-a", "acc-b", "40")))
	_, err := buf.Drain(ctx, 10)
	require.NoError(t, err)

	// Second batch drains and commits.
	require.NoError(t, buf.Enqueue(ctx, entryFor("R2", "acc-a", "acc-b", "10")))
	second, err := buf.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.NoError(t, buf.Reverse(ctx, second))

	// R1 must still be parked for recovery, with its deltas intact.
	parked, err := client.LLen(ctx, processingKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, parked)

	net, err := buf.PendingNet(ctx, "acc-a")
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("-40")), "got %s", net)

	n, err := buf.Recover(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	entries, err := buf.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "R1", entries[0].ReferenceID)
}

func TestRecoverRestoresQueueOrder(t *testing.T) {
	buf, client := newTestBuffer(t)
	ctx := context.Background()

	for _, ref := range []string{"R1", "R2", "R3"} {
		require.NoError(t, buf.Enqueue(ctx, entryFor(ref, "acc-a", "acc-b", "1")))
	}
	_, err := buf.Drain(ctx, 3)
	require.NoError(t, err)

	n, err := buf.Recover(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	processing, err := client.Exists(ctx, processingKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, processing)

	entries, err := buf.Drain(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "R1", entries[0].ReferenceID)
	assert.Equal(t, "R2", entries[1].ReferenceID)
	assert.Equal(t, "R3", entries[2].ReferenceID)
}

func TestRecoverEmptyProcessing(t *testing.T) {
	buf, _ := newTestBuffer(t)

	n, err := buf.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
