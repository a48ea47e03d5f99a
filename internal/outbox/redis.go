package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the serialized Event.
const payloadField = "event"

// RedisStream implements Stream on a Redis Stream with consumer-group
// semantics: XADD for appends, XREADGROUP for delivery, XAUTOCLAIM for
// pending recovery, XACK for the terminal ack.
type RedisStream struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// NewRedisStream creates the stream handle and ensures the consumer
// group exists (creating the stream when missing).
func NewRedisStream(ctx context.Context, client *redis.Client, stream, group, consumer string) (*RedisStream, error) {
	if consumer == "" {
		consumer = "kestrel-" + uuid.New().String()[:8]
	}

	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}

	return &RedisStream{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}, nil
}

// Append XADDs one entry. Redis acknowledges only after the entry is in
// the stream, which is the durability point the dispatcher relies on.
func (s *RedisStream) Append(ctx context.Context, payload []byte) (string, error) {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
}

// ReadBatch delivers up to count new entries without blocking.
func (s *RedisStream) ReadBatch(ctx context.Context, count int) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

// ClaimPending XAUTOCLAIMs entries idle past minIdle, typically left by a
// crashed consumer.
func (s *RedisStream) ClaimPending(ctx context.Context, minIdle time.Duration, count int) ([]Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

// Ack XACKs the entry; terminal for the happy path.
func (s *RedisStream) Ack(ctx context.Context, id string) error {
	return s.client.XAck(ctx, s.stream, s.group, id).Err()
}

// Pending samples the unacked backlog: total count plus the idle time of
// the oldest pending entry.
func (s *RedisStream) Pending(ctx context.Context) (PendingSummary, error) {
	summary, err := s.client.XPending(ctx, s.stream, s.group).Result()
	if err == redis.Nil {
		return PendingSummary{}, nil
	}
	if err != nil {
		return PendingSummary{}, err
	}

	out := PendingSummary{TotalPending: summary.Count}
	if summary.Count == 0 {
		return out, nil
	}

	ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err == nil && len(ext) > 0 {
		out.OldestIdleMs = ext[0].Idle.Milliseconds()
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is owned by the caller.
func (s *RedisStream) Close() error {
	return nil
}

func toEntry(msg redis.XMessage) Entry {
	var payload []byte
	if raw, ok := msg.Values[payloadField]; ok {
		switch v := raw.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		}
	}
	return Entry{ID: msg.ID, Payload: payload}
}
