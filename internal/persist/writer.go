// Package persist writes exchanges and events off the request path.
package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/db"
)

// ExchangeAppender stores exchanges.
type ExchangeAppender interface {
	Append(ctx context.Context, ex db.Exchange) (int64, error)
}

// EventRecorder stores events.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, payload map[string]any) (int64, error)
}

// Options tunes a Writer.
type Options struct {
	QueueSize      int
	Workers        int
	Policy         control.Policy
	AttemptTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 5 * time.Second
	}
	return o
}

type task struct {
	exchange *db.Exchange
	event    string
	payload  map[string]any
}

// Stats counts what a Writer has done so far.
type Stats struct {
	Written int64
	Failed  int64
	Dropped int64
}

// Writer queues writes for a fixed pool of workers. Submit never blocks:
// when the queue is full the write is dropped and logged. A failed
// exchange write is retried per Options.Policy and then given up on.
type Writer struct {
	exchanges ExchangeAppender
	events    EventRecorder
	opts      Options
	log       zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan task

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	written    atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	unreported atomic.Int64
}

// NewWriter starts the worker pool. events may be nil.
func NewWriter(exchanges ExchangeAppender, events EventRecorder, opts Options, log zerolog.Logger) *Writer {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		exchanges: exchanges,
		events:    events,
		opts:      opts,
		log:       log,
		queue:     make(chan task, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		w.wg.Go(w.work)
	}
	return w
}

// Submit queues ex for writing and reports whether it was accepted.
func (w *Writer) Submit(ex db.Exchange) bool {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	if !w.enqueue(task{exchange: &ex}) {
		w.dropped.Add(1)
		w.unreported.Add(1)
		w.log.Warn().Int64("user_id", ex.UserID).Msg("exchange dropped: writer queue full or closed")
		return false
	}
	return true
}

// Record queues an event. Events are best effort and never retried.
func (w *Writer) Record(eventType string, payload map[string]any) bool {
	if w.events == nil {
		return false
	}
	if !w.enqueue(task{event: eventType, payload: payload}) {
		w.log.Debug().Str("event", eventType).Msg("event dropped: writer queue full or closed")
		return false
	}
	return true
}

func (w *Writer) enqueue(t task) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- t:
		return true
	default:
		return false
	}
}

// Close stops intake and waits for queued writes. If ctx ends first the
// remaining work is abandoned and ctx.Err() is returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}

func (w *Writer) work() {
	for t := range w.queue {
		if t.exchange != nil {
			w.writeExchange(*t.exchange)
		} else {
			w.writeEvent(t.event, t.payload)
		}
		if n := w.unreported.Swap(0); n > 0 {
			w.writeEvent(db.EventExchangeDropped, map[string]any{"count": n})
		}
	}
}

func (w *Writer) writeExchange(ex db.Exchange) {
	var err error
	for attempt := 1; ; attempt++ {
		err = w.appendOnce(ex)
		if err == nil {
			w.written.Add(1)
			return
		}
		if w.ctx.Err() != nil || !w.opts.Policy.ShouldRetry(attempt) {
			break
		}
		backoff := w.opts.Policy.RetryBackoff(attempt)
		w.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Int64("user_id", ex.UserID).Msg("exchange write failed, retrying")
		select {
		case <-w.ctx.Done():
		case <-time.After(backoff):
		}
	}

	w.failed.Add(1)
	w.log.Error().Err(err).Int64("user_id", ex.UserID).Msg("error saving exchange to the database")
	w.writeEvent(db.EventExchangePersistFail, map[string]any{
		"user_id": ex.UserID,
		"error":   err.Error(),
	})
}

func (w *Writer) appendOnce(ex db.Exchange) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.opts.AttemptTimeout)
	defer cancel()
	_, err := w.exchanges.Append(ctx, ex)
	return err
}

func (w *Writer) writeEvent(eventType string, payload map[string]any) {
	if w.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.opts.AttemptTimeout)
	defer cancel()
	if _, err := w.events.Record(ctx, eventType, payload); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn().Err(err).Str("event", eventType).Msg("event write failed")
	}
}
