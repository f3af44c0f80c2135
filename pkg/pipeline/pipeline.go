// Package pipeline decouples validated-event admission from the store's
// write path with a bounded FIFO queue. The queue is the relay's primary
// backpressure point: when storage cannot keep up, enqueueing blocks up to a
// bound and then fails with ErrBackpressure, telling the originating
// connection to stop reading.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaystone/nostrd/pkg/event"
	"github.com/relaystone/nostrd/pkg/extension"
	"github.com/relaystone/nostrd/pkg/observability"
	"github.com/relaystone/nostrd/pkg/store"
)

// ErrBackpressure signals that the persistence queue stayed full for the
// whole enqueue bound. Recoverable: the caller decides whether to retry or
// shed the connection.
var ErrBackpressure = errors.New("persistence queue full")

// ErrStopped is returned for submissions after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Result is the per-event commit report.
type Result struct {
	Outcome store.InsertOutcome
	Err     error
}

type submission struct {
	ev   *event.Event
	done chan Result
}

// Options configure the pipeline.
type Options struct {
	// QueueSize is the bounded queue capacity.
	QueueSize int
	// EnqueueTimeout bounds how long a submitter may be suspended on a
	// full queue before observing ErrBackpressure.
	EnqueueTimeout time.Duration
	// OnCommit is invoked for every first-time insert, after the durable
	// write, in commit order. This is the broadcast handoff.
	OnCommit func(ev *event.Event)
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Pipeline owns the single writer goroutine committing events FIFO.
type Pipeline struct {
	st    store.EventStore
	ext   *extension.Registry
	opts  Options
	queue chan submission

	// stopMu serializes shutdown against in-flight enqueues: a submission
	// accepted onto the queue is always answered, never stranded.
	stopMu  sync.RWMutex
	stopped bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a pipeline writing to st. ext may be nil; it gates
// deletion-event processing.
func New(st store.EventStore, ext *extension.Registry, opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		st:    st,
		ext:   ext,
		opts:  opts,
		queue: make(chan submission, opts.QueueSize),
	}
}

// Start launches the writer. Call exactly once.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.writer()
}

// Stop refuses new submissions, waits out in-flight enqueues, drains what is
// already queued, and waits for the writer. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		// taking the write lock waits for every enqueue in progress, so
		// nothing can land on the queue after it is closed
		p.stopMu.Lock()
		p.stopped = true
		p.stopMu.Unlock()
		close(p.queue)
	})
	p.wg.Wait()
}

// Enqueue places a validated event on the queue, blocking up to the enqueue
// bound. The commit result arrives later on the returned channel.
func (p *Pipeline) Enqueue(ctx context.Context, ev *event.Event) (<-chan Result, error) {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}
	sub := submission{ev: ev, done: make(chan Result, 1)}
	timer := time.NewTimer(p.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case p.queue <- sub:
		return sub.done, nil
	case <-timer.C:
		return nil, ErrBackpressure
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit enqueues and waits for the commit result.
func (p *Pipeline) Submit(ctx context.Context, ev *event.Event) (store.InsertOutcome, error) {
	done, err := p.Enqueue(ctx, ev)
	if err != nil {
		return 0, err
	}
	select {
	case res := <-done:
		return res.Outcome, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Pipeline) writer() {
	defer p.wg.Done()
	for sub := range p.queue {
		p.commit(sub)
	}
}

func (p *Pipeline) commit(sub submission) {
	ctx := context.Background()
	start := time.Now()
	outcome, err := p.st.Insert(ctx, sub.ev)
	p.opts.Metrics.WriteDuration(ctx, time.Since(start))

	switch {
	case err != nil:
		// store errors are per-event: log and keep draining
		p.opts.Logger.Warn("event insert failed",
			"event", sub.ev.ShortID(), "err", err)
	case outcome == store.Inserted:
		p.opts.Logger.Debug("persisted event",
			"event", sub.ev.ShortID(), "took", time.Since(start))
		p.applyDeletion(ctx, sub.ev)
		if p.opts.OnCommit != nil {
			p.opts.OnCommit(sub.ev)
		}
	default:
		p.opts.Logger.Debug("ignoring duplicate event", "event", sub.ev.ShortID())
	}
	sub.done <- Result{Outcome: outcome, Err: err}
}

// applyDeletion tombstones the targets of a committed deletion event. The
// store enforces that only the original author's events are affected.
func (p *Pipeline) applyDeletion(ctx context.Context, ev *event.Event) {
	if ev.Kind != event.KindDeletion || p.ext == nil || !p.ext.IsEnabled(extension.EventDeletion) {
		return
	}
	for _, target := range ev.TagValues("e") {
		ok, err := p.st.Delete(ctx, target, ev.PubKey)
		if err != nil {
			p.opts.Logger.Warn("deletion failed", "target", target, "err", err)
			continue
		}
		if ok {
			p.opts.Logger.Debug("tombstoned event", "target", target, "by", ev.ShortID())
		}
	}
}
