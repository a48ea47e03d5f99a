package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Dispatcher takes AUTH durability off the request path: handlers enqueue
// and return; a single drainer appends each record to the outbox stream.
type Dispatcher struct {
	stream  Stream
	metrics *metrics.Metrics

	queue    chan *Event
	maxRetry int
	backoff  time.Duration

	// unavailable latches after a record exhausts its retry budget and
	// clears on the next successful append. The HTTP layer turns it
	// into OUTBOX_UNAVAILABLE / 503.
	unavailable atomic.Bool

	wg  sync.WaitGroup
	now func() time.Time
}

// NewDispatcher creates a dispatcher over a stream.
func NewDispatcher(stream Stream, m *metrics.Metrics, cfg domain.OutboxConfig) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	maxRetry := cfg.AppendMaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	backoff := time.Duration(cfg.AppendBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	return &Dispatcher{
		stream:   stream,
		metrics:  m,
		queue:    make(chan *Event, queueSize),
		maxRetry: maxRetry,
		backoff:  backoff,
		now:      time.Now,
	}
}

// EnqueueAuth queues (transaction, decision) for durable append. Never
// blocks and never errors: when the queue is full the oldest pending
// record is dropped and counted.
func (d *Dispatcher) EnqueueAuth(tx *domain.Transaction, dec *domain.Decision) {
	ev := &Event{
		Transaction: tx,
		Decision:    dec,
		EnqueuedAt:  d.now().UnixMilli(),
	}

	for {
		select {
		case d.queue <- ev:
			if d.metrics != nil {
				d.metrics.IncrementOutboxEnqueued()
			}
			return
		default:
		}

		// Full: evict the oldest and retry. The drainer may race us for
		// the eviction, which is fine either way.
		select {
		case dropped := <-d.queue:
			if d.metrics != nil {
				d.metrics.IncrementOutboxDropped()
			}
			slog.Warn("outbox queue full, dropped oldest record",
				"dropped_transaction_id", dropped.Transaction.TransactionID,
			)
		default:
		}
	}
}

// Unavailable reports whether the last record exhausted its retry budget.
func (d *Dispatcher) Unavailable() bool {
	return d.unavailable.Load()
}

// Start launches the drainer. It runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-d.queue:
				d.appendWithRetry(ctx, ev)
			}
		}
	}()
	slog.Info("outbox dispatcher started", "queue_size", cap(d.queue))
}

// Stop waits for the drainer to exit after its context is cancelled.
func (d *Dispatcher) Stop() {
	d.wg.Wait()
}

// appendWithRetry appends one record with bounded exponential backoff.
// Exhausting the budget latches the unavailable flag and drops the
// record; the next successful append clears it.
func (d *Dispatcher) appendWithRetry(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal outbox event",
			"transaction_id", ev.Transaction.TransactionID,
			"error", err,
		)
		return
	}

	backoff := d.backoff
	for attempt := 0; attempt < d.maxRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		id, err := d.stream.Append(ctx, payload)
		if err == nil {
			d.unavailable.Store(false)
			if d.metrics != nil {
				d.metrics.IncrementOutboxAppended()
			}
			slog.Debug("outbox append",
				"entry_id", id,
				"transaction_id", ev.Transaction.TransactionID,
			)
			return
		}

		if d.metrics != nil {
			d.metrics.IncrementOutboxAppendFailure()
		}
		slog.Warn("outbox append failed",
			"attempt", attempt+1,
			"max_attempts", d.maxRetry,
			"transaction_id", ev.Transaction.TransactionID,
			"error", err,
		)
	}

	d.unavailable.Store(true)
	slog.Error("outbox append retry budget exhausted, record dropped",
		"transaction_id", ev.Transaction.TransactionID,
	)
}
