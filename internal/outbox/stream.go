// Package outbox implements the AUTH durability pipeline: a bounded
// in-process queue drained into an append-only stream, and a background
// publisher that moves stream entries onto the event bus.
package outbox

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Event is one outbox record: the transaction and the AUTH decision
// taken for it.
type Event struct {
	Transaction *domain.Transaction `json:"transaction"`
	Decision    *domain.Decision    `json:"auth_decision"`
	EnqueuedAt  int64               `json:"enqueued_at_ms"`
}

// Entry is one stream entry as delivered to a consumer. ID carries the
// stream's millisecond timestamp prefix ("<ms>-<seq>").
type Entry struct {
	ID      string
	Payload []byte
}

// PendingSummary samples the delivered-but-unacked backlog.
type PendingSummary struct {
	TotalPending int64
	OldestIdleMs int64
}

// Stream is the append-only log contract: durable appends, consumer-group
// reads, pending tracking with per-entry idle time.
type Stream interface {
	// Append durably appends one entry and returns its id.
	Append(ctx context.Context, payload []byte) (string, error)

	// ReadBatch delivers up to count new entries to this consumer.
	ReadBatch(ctx context.Context, count int) ([]Entry, error)

	// ClaimPending reclaims up to count entries idle longer than minIdle,
	// transferring ownership to this consumer.
	ClaimPending(ctx context.Context, minIdle time.Duration, count int) ([]Entry, error)

	// Ack marks an entry processed. Terminal.
	Ack(ctx context.Context, id string) error

	// Pending samples the unacked backlog.
	Pending(ctx context.Context) (PendingSummary, error)

	Ping(ctx context.Context) error
	Close() error
}

// entryTimestampMs parses the millisecond prefix of a stream entry id;
// 0 when the id is not of the "<ms>-<seq>" form.
func entryTimestampMs(id string) int64 {
	prefix, _, found := strings.Cut(id, "-")
	if !found || prefix == "" {
		return 0
	}
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
