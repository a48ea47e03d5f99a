package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Publisher drains the outbox stream onto the event bus. Each entry is
// acked only after a confirmed publish, so a crash between publish and
// ack re-delivers (at-least-once, dedupe downstream by decision_id).
type Publisher struct {
	stream  Stream
	bus     domain.EventBus
	topic   string
	metrics *metrics.Metrics

	pollInterval    time.Duration
	readBatchSize   int
	pendingMinIdle  time.Duration
	pendingClaim    int
	summaryInterval time.Duration

	wg  sync.WaitGroup
	now func() time.Time
}

// NewPublisher creates a publisher over a stream and bus.
func NewPublisher(stream Stream, bus domain.EventBus, m *metrics.Metrics, cfg domain.OutboxConfig) *Publisher {
	return &Publisher{
		stream:          stream,
		bus:             bus,
		topic:           domain.DecisionsTopic,
		metrics:         m,
		pollInterval:    time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		readBatchSize:   cfg.ReadBatchSize,
		pendingMinIdle:  time.Duration(cfg.PendingMinIdleMs) * time.Millisecond,
		pendingClaim:    cfg.PendingClaimCount,
		summaryInterval: time.Duration(cfg.PendingSummaryIntervalMs) * time.Millisecond,
		now:             time.Now,
	}
}

// Start launches the poll loop. It runs until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		lastSummary := time.Time{}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if p.summaryInterval > 0 && p.now().Sub(lastSummary) >= p.summaryInterval {
				p.refreshPendingSummary(ctx)
				lastSummary = p.now()
			}
			p.poll(ctx)
		}
	}()
	slog.Info("outbox publisher started",
		"topic", p.topic,
		"poll_interval_ms", p.pollInterval.Milliseconds(),
	)
}

// Stop waits for the poll loop to exit after its context is cancelled.
func (p *Publisher) Stop() {
	p.wg.Wait()
}

// poll runs one cycle: reclaim stale pending entries first, then drain a
// batch of new ones.
func (p *Publisher) poll(ctx context.Context) {
	claimed, err := p.stream.ClaimPending(ctx, p.pendingMinIdle, p.pendingClaim)
	if err != nil {
		slog.Warn("failed to claim pending outbox entries", "error", err)
	} else if len(claimed) > 0 {
		if p.metrics != nil {
			p.metrics.AddPendingReclaimed(len(claimed))
		}
		slog.Info("reclaimed pending outbox entries", "count", len(claimed))
		for _, entry := range claimed {
			if ctx.Err() != nil {
				return
			}
			p.processEntry(ctx, entry)
		}
	}

	entries, err := p.stream.ReadBatch(ctx, p.readBatchSize)
	if err != nil {
		slog.Warn("failed to read outbox batch", "error", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		p.processEntry(ctx, entry)
	}
}

// processEntry publishes one stream entry and acks it on success. Entries
// that cannot be decoded are acked away: they would never publish and
// retrying them forever only grows the pending list.
func (p *Publisher) processEntry(ctx context.Context, entry Entry) {
	var ev Event
	if err := json.Unmarshal(entry.Payload, &ev); err != nil || ev.Transaction == nil || ev.Decision == nil {
		slog.Warn("discarding malformed outbox entry", "entry_id", entry.ID, "error", err)
		if ackErr := p.stream.Ack(ctx, entry.ID); ackErr != nil {
			slog.Warn("failed to ack malformed outbox entry", "entry_id", entry.ID, "error", ackErr)
		}
		return
	}

	payload, err := json.Marshal(ev.Decision)
	if err != nil {
		slog.Warn("discarding unserializable outbox entry", "entry_id", entry.ID, "error", err)
		if ackErr := p.stream.Ack(ctx, entry.ID); ackErr != nil {
			slog.Warn("failed to ack outbox entry", "entry_id", entry.ID, "error", ackErr)
		}
		return
	}

	start := p.now()
	if err := p.bus.Publish(ctx, p.topic, ev.Transaction.TransactionID, payload); err != nil {
		if p.metrics != nil {
			p.metrics.IncrementPublishFailure()
		}
		slog.Warn("failed to publish decision event, will retry",
			"entry_id", entry.ID,
			"transaction_id", ev.Transaction.TransactionID,
			"error", err,
		)
		return
	}

	if p.metrics != nil {
		p.metrics.RecordPublishSuccess(p.now().Sub(start).Seconds())
		if appended := entryTimestampMs(entry.ID); appended > 0 {
			lag := float64(p.now().UnixMilli()-appended) / 1000.0
			if lag < 0 {
				lag = 0
			}
			p.metrics.SetOutboxLagSeconds(lag)
		}
	}

	if err := p.stream.Ack(ctx, entry.ID); err != nil {
		// Published but not acked: the entry will be re-delivered and
		// published again. Acceptable under at-least-once.
		slog.Warn("failed to ack published outbox entry",
			"entry_id", entry.ID,
			"transaction_id", ev.Transaction.TransactionID,
			"error", err,
		)
	}
}

func (p *Publisher) refreshPendingSummary(ctx context.Context) {
	summary, err := p.stream.Pending(ctx)
	if err != nil {
		slog.Warn("failed to sample outbox pending summary", "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.SetOutboxPendingSummary(summary.TotalPending, summary.OldestIdleMs)
	}
	if summary.TotalPending > 0 {
		slog.Info("outbox pending backlog",
			"total_pending", summary.TotalPending,
			"oldest_idle_ms", summary.OldestIdleMs,
		)
	}
}
