package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/rfq-engine/internal/metrics"
	"github.com/atmx/rfq-engine/internal/model"
)

var (
	ErrQueueFull = errors.New("events: publish queue full")
	ErrClosed    = errors.New("events: publisher closed")
)

// Async hands batches to a single goroutine that publishes them to next in
// the order they were queued. Publish never blocks: when the queue is full
// the batch is dropped and ErrQueueFull returned.
type Async struct {
	next    Publisher
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan []model.Entry
	done   chan struct{}
}

// NewAsync starts the publishing goroutine. Each batch gets at most timeout
// to reach next.
func NewAsync(next Publisher, size int, timeout time.Duration, log *slog.Logger) *Async {
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		log:     log,
		queue:   make(chan []model.Entry, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, entries []model.Entry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- entries:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued batches.
func (a *Async) Pending() int {
	return len(a.queue)
}

// Close stops accepting batches and waits until the queued ones are
// published.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for batch := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Publish(ctx, batch)
		cancel()
		if err != nil {
			metrics.JournalFailures.WithLabelValues("publisher").Inc()
			a.log.Error("publish failed", "entries", len(batch), "err", err)
		}
	}
}
