// Package buffer implements the Redis-backed write-behind staging buffer:
// a per-account pending-balance aggregate plus a durable-order queue,
// updated through atomic Lua scripts.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	aggregateKey  = "ledger:pending:balance"
	queueKey      = "ledger:queue"
	processingKey = "ledger:queue:processing"
)

// Entry is one staged pending transaction. It lives only in Redis between
// admission and durable commit. Amount serializes as a plain decimal string
// so the Lua scripts can feed it to HINCRBYFLOAT unchanged.
type Entry struct {
	ReferenceID     string          `json:"referenceId"`
	DebitAccountID  string          `json:"debitAccountId"`
	CreditAccountID string          `json:"creditAccountId"`
	Amount          decimal.Decimal `json:"amount"`
	Type            string          `json:"type"`
	Timestamp       int64           `json:"timestamp"`
}

// enqueueScript applies both aggregate deltas and appends the serialized
// entry to the queue tail in one atomic step. A partial application would
// corrupt soft-balance reads.
var enqueueScript = redis.NewScript(`
redis.call('HINCRBYFLOAT', KEYS[1], ARGV[1], ARGV[2])
redis.call('HINCRBYFLOAT', KEYS[1], ARGV[3], ARGV[4])
redis.call('RPUSH', KEYS[2], ARGV[5])
return 1
`)

// drainScript moves up to ARGV[1] entries from the queue head onto the
// processing list, preserving FIFO order, and returns them.
var drainScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[1]) do
	local v = redis.call('LPOP', KEYS[1])
	if not v then break end
	redis.call('RPUSH', KEYS[2], v)
	out[#out + 1] = v
end
return out
`)

// reverseScript undoes the aggregate deltas applied at enqueue time for
// every entry in ARGV and removes that entry's payload from the processing
// list. Only the reversed batch is touched: entries stranded there by an
// earlier failed commit stay put for recovery. Fields that net to exactly
// zero are deleted to bound hash growth.
var reverseScript = redis.NewScript(`
for i, raw in ipairs(ARGV) do
	local e = cjson.decode(raw)
	local d = redis.call('HINCRBYFLOAT', KEYS[1], e.debitAccountId, e.amount)
	if tonumber(d) == 0 then
		redis.call('HDEL', KEYS[1], e.debitAccountId)
	end
	local c = redis.call('HINCRBYFLOAT', KEYS[1], e.creditAccountId, '-' .. e.amount)
	if tonumber(c) == 0 then
		redis.call('HDEL', KEYS[1], e.creditAccountId)
	end
	redis.call('LREM', KEYS[2], 1, raw)
end
return 1
`)

// recoverScript pushes everything left on the processing list back to the
// queue head, oldest first, so a crashed batch is re-drained.
var recoverScript = redis.NewScript(`
local n = 0
while true do
	local v = redis.call('RPOP', KEYS[1])
	if not v then break end
	redis.call('LPUSH', KEYS[2], v)
	n = n + 1
end
return n
`)

// Buffer is the staging buffer client.
type Buffer struct {
	client redis.UniversalClient
}

// New constructs a Buffer on top of a Redis client.
func New(client redis.UniversalClient) *Buffer {
	return &Buffer{client: client}
}

// Enqueue atomically applies the entry's aggregate deltas (debit account
// decremented, credit account incremented) and appends it to the queue.
func (b *Buffer) Enqueue(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("buffer: marshal entry: %w", err)
	}
	err = enqueueScript.Run(ctx, b.client,
		[]string{aggregateKey, queueKey},
		entry.DebitAccountID, entry.Amount.Neg().String(),
		entry.CreditAccountID, entry.Amount.String(),
		string(payload),
	).Err()
	if err != nil {
		return fmt.Errorf("buffer: enqueue %s: %w", entry.ReferenceID, err)
	}
	return nil
}

// PendingNet returns the net signed pending delta for one account, zero
// when the account has no staged entries.
func (b *Buffer) PendingNet(ctx context.Context, accountID string) (decimal.Decimal, error) {
	raw, err := b.client.HGet(ctx, aggregateKey, accountID).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("buffer: pending net %s: %w", accountID, err)
	}
	net, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("buffer: parse pending net %s: %w", accountID, err)
	}
	return net, nil
}

// Drain pops up to max entries from the queue head into the processing
// list and returns them in FIFO order. The processing list survives a
// crash between drain and commit.
func (b *Buffer) Drain(ctx context.Context, max int) ([]Entry, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := drainScript.Run(ctx, b.client, []string{queueKey, processingKey}, max).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: drain: %w", err)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("buffer: drain: unexpected reply %T", raw)
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		payload, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("buffer: drain: unexpected item %T", item)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("buffer: unmarshal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Reverse atomically undoes the aggregate deltas for a committed batch and
// removes the batch's entries from the processing list. Call only after the
// batch is durable.
func (b *Buffer) Reverse(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("buffer: marshal entry: %w", err)
		}
		args = append(args, string(payload))
	}
	if err := reverseScript.Run(ctx, b.client, []string{aggregateKey, processingKey}, args...).Err(); err != nil {
		return fmt.Errorf("buffer: reverse: %w", err)
	}
	return nil
}

// Recover moves every item stranded on the processing list back to the
// queue head. Run once at startup, before the first committer tick.
func (b *Buffer) Recover(ctx context.Context) (int64, error) {
	n, err := recoverScript.Run(ctx, b.client, []string{processingKey, queueKey}).Int64()
	if err != nil {
		return 0, fmt.Errorf("buffer: recover: %w", err)
	}
	return n, nil
}
