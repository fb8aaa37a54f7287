// writer.go implements the asynchronous capture queue between request
// handling and the audit store. Request paths enqueue and move on; a single
// background goroutine drains the queue into the store. The queue is bounded
// and drops the OLDEST pending event on overflow, so a stalled database slows
// auditing down to diagnostics, never request processing.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/telemetry"
)

// Writer drains captured audit records into the store.
type Writer struct {
	store         *Store
	shipper       Shipper
	queue         chan *models.AuditRecord
	appendTimeout time.Duration

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// NewWriter creates a writer with the given queue capacity and per-append
// timeout, and starts its drain goroutine. shipper may be nil.
func NewWriter(store *Store, shipper Shipper, queueCapacity int, appendTimeout time.Duration) *Writer {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	if appendTimeout <= 0 {
		appendTimeout = 5 * time.Second
	}

	w := &Writer{
		store:         store,
		shipper:       shipper,
		queue:         make(chan *models.AuditRecord, queueCapacity),
		appendTimeout: appendTimeout,
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}

	go w.run()

	return w
}

// Enqueue hands a record to the background writer. It never blocks and never
// returns an error: when the queue is full, the oldest pending record is
// dropped to make room and the loss is counted.
func (w *Writer) Enqueue(rec *models.AuditRecord) {
	select {
	case <-w.closing:
		// Late capture during shutdown; persist synchronously rather than
		// racing the drain goroutine.
		w.persist(rec)
		return
	default:
	}

	for {
		select {
		case w.queue <- rec:
			telemetry.AuditEventsCapturedTotal.Inc()
			telemetry.AuditQueueDepth.Set(float64(len(w.queue)))
			return
		default:
		}

		select {
		case dropped := <-w.queue:
			telemetry.AuditEventsDroppedTotal.Inc()
			slog.Warn("audit queue full, dropping oldest event",
				"action", dropped.Action,
				"resource_type", dropped.ResourceType,
				"occurred_at", dropped.OccurredAt)
		default:
			// Drained concurrently; loop and try the send again.
		}
	}
}

// Depth reports how many records are waiting for persistence.
func (w *Writer) Depth() int {
	return len(w.queue)
}

// Close stops accepting new records, drains everything already queued, and
// returns once the drain goroutine has exited.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.closing)
	})
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		select {
		case rec := <-w.queue:
			telemetry.AuditQueueDepth.Set(float64(len(w.queue)))
			w.persist(rec)
		case <-w.closing:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case rec := <-w.queue:
					w.persist(rec)
				default:
					telemetry.AuditQueueDepth.Set(0)
					return
				}
			}
		}
	}
}

// persist writes one record with a bounded timeout. Failures are counted and
// logged; the engine never propagates audit persistence errors to callers.
func (w *Writer) persist(rec *models.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.appendTimeout)
	defer cancel()

	if err := w.store.Append(ctx, rec); err != nil {
		telemetry.AuditAppendFailuresTotal.Inc()
		slog.Error("audit event lost after retry",
			"action", rec.Action,
			"resource_type", rec.ResourceType,
			"error", err)
		return
	}

	if w.shipper != nil {
		entry := &LogEntry{
			Timestamp:    rec.OccurredAt,
			TenantID:     rec.TenantID,
			Action:       rec.Action,
			ResourceType: rec.ResourceType,
			Success:      rec.Success,
			Metadata:     rec.Metadata,
		}
		if rec.ActorID != nil {
			entry.ActorID = *rec.ActorID
		}
		if rec.ResourceID != nil {
			entry.ResourceID = *rec.ResourceID
		}
		if rec.ClientIP != nil {
			entry.IPAddress = *rec.ClientIP
		}
		if rec.ErrorDetail != nil {
			entry.ErrorDetail = *rec.ErrorDetail
		}
		if err := w.shipper.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipper delivery failed", "action", rec.Action, "error", err)
		}
	}
}
