// Package relay wires the ingestion core together: admission, validation,
// persistence with backpressure, subscription matching, and broadcast. The
// transport layer talks to this facade and to nothing below it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaystone/nostrd/pkg/broadcast"
	"github.com/relaystone/nostrd/pkg/event"
	"github.com/relaystone/nostrd/pkg/extension"
	"github.com/relaystone/nostrd/pkg/limiter"
	"github.com/relaystone/nostrd/pkg/observability"
	"github.com/relaystone/nostrd/pkg/pipeline"
	"github.com/relaystone/nostrd/pkg/store"
	"github.com/relaystone/nostrd/pkg/subscription"
)

// Status classifies the outcome of an event submission.
type Status int

const (
	StatusInserted Status = iota
	StatusDuplicate
	StatusRejected
	StatusRateLimited
	StatusBackpressure
	StatusError
)

// Outcome is the per-submission report handed back to the transport.
type Outcome struct {
	Status  Status
	EventID string
	Reason  string
}

// Limits are the operator-tunable bounds, adjustable at runtime with
// immediate effect on subsequent operations.
type Limits struct {
	MaxEventBytes       int
	RejectFutureSeconds int64
	MessagesPerSec      int
}

// Options assemble a relay.
type Options struct {
	Store        store.EventStore
	Extensions   *extension.Registry
	LimiterStore limiter.Store
	Limits       Limits
	// QueueSize and EnqueueTimeout configure the persistence pipeline.
	QueueSize      int
	EnqueueTimeout time.Duration
	// BroadcastBuffer is each connection's outbound buffer capacity.
	BroadcastBuffer int
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// Relay is the event ingestion and distribution engine.
type Relay struct {
	st        store.EventStore
	ext       *extension.Registry
	validator *event.Validator
	limStore  limiter.Store
	limPolicy atomic.Pointer[limiter.Policy]
	pipe      *pipeline.Pipeline
	subs      *subscription.Registry
	bcast     *broadcast.Engine
	logger    *slog.Logger
	metrics   *observability.Metrics

	// onOverflow is the transport's shed callback for slow readers.
	onOverflow atomic.Pointer[func(connID string)]
}

// New assembles and starts the relay core.
func New(opts Options) (*Relay, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.Extensions == nil {
		opts.Extensions = extension.NewRegistry()
	}
	if opts.LimiterStore == nil {
		opts.LimiterStore = limiter.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Relay{
		st:       opts.Store,
		ext:      opts.Extensions,
		limStore: opts.LimiterStore,
		subs:     subscription.NewRegistry(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	r.limPolicy.Store(&limiter.Policy{EventsPerSec: opts.Limits.MessagesPerSec})

	validator, err := event.NewValidator(event.Limits{
		MaxEventBytes:       opts.Limits.MaxEventBytes,
		RejectFutureSeconds: opts.Limits.RejectFutureSeconds,
	}, opts.Extensions)
	if err != nil {
		return nil, err
	}
	r.validator = validator

	r.bcast = broadcast.NewEngine(opts.BroadcastBuffer, func(connID string) {
		if cb := r.onOverflow.Load(); cb != nil {
			(*cb)(connID)
		}
	}, opts.Logger, opts.Metrics)

	r.pipe = pipeline.New(opts.Store, opts.Extensions, pipeline.Options{
		QueueSize:      opts.QueueSize,
		EnqueueTimeout: opts.EnqueueTimeout,
		OnCommit:       r.broadcastCommitted,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	r.pipe.Start()
	return r, nil
}

// Close stops the pipeline after draining queued writes.
func (r *Relay) Close() {
	r.pipe.Stop()
}

// SetOverflowHandler registers the transport callback invoked when a slow
// reader must be shed.
func (r *Relay) SetOverflowHandler(fn func(connID string)) {
	r.onOverflow.Store(&fn)
}

// OpenConnection allocates a connection id and its outbound buffer. The
// returned channel carries live deliveries until CloseConnection.
func (r *Relay) OpenConnection() (string, <-chan broadcast.Delivery) {
	connID := uuid.NewString()
	return connID, r.bcast.Attach(connID)
}

// CloseConnection promptly and idempotently releases everything the core
// holds for a connection: subscriptions, outbound buffer, limiter state.
func (r *Relay) CloseConnection(connID string) {
	r.subs.DropConnection(connID)
	r.bcast.Detach(connID)
	r.limStore.Forget(connID)
}

// SubmitEvent runs the full ingestion path for one raw client event:
// rate limit, validate, persist with backpressure, then (on first insert)
// match and broadcast.
func (r *Relay) SubmitEvent(ctx context.Context, connID string, raw []byte) Outcome {
	if err := limiter.Admit(ctx, r.limStore, connID, *r.limPolicy.Load()); err != nil {
		if errors.Is(err, limiter.ErrRateLimited) {
			r.metrics.EventRejected(ctx, "rate-limited")
			return Outcome{Status: StatusRateLimited, Reason: "rate limited: slow down"}
		}
		return Outcome{Status: StatusError, Reason: "admission check failed"}
	}

	ev, err := r.validator.Validate(raw)
	if err != nil {
		var verr *event.ValidationError
		reason := "invalid event"
		if errors.As(err, &verr) {
			reason = verr.Error()
			r.metrics.EventRejected(ctx, string(verr.Reason))
		} else {
			r.metrics.EventRejected(ctx, "invalid")
		}
		return Outcome{Status: StatusRejected, EventID: claimedID(raw), Reason: reason}
	}

	outcome, err := r.pipe.Submit(ctx, ev)
	switch {
	case errors.Is(err, pipeline.ErrBackpressure):
		r.metrics.EventRejected(ctx, "backpressure")
		return Outcome{Status: StatusBackpressure, EventID: ev.ID, Reason: "relay overloaded, retry later"}
	case err != nil:
		return Outcome{Status: StatusError, EventID: ev.ID, Reason: "storage failure"}
	case outcome == store.Duplicate:
		r.metrics.EventDuplicate(ctx)
		return Outcome{Status: StatusDuplicate, EventID: ev.ID, Reason: "duplicate: already have this event"}
	default:
		r.metrics.EventAccepted(ctx)
		return Outcome{Status: StatusInserted, EventID: ev.ID}
	}
}

// claimedID pulls the claimed event id out of a rejected raw event so the
// client's acknowledgment can still reference it. Best effort.
func claimedID(raw []byte) string {
	var partial struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &partial) != nil {
		return ""
	}
	return partial.ID
}

// broadcastCommitted runs on the pipeline's commit path, once per
// first-time insert, in commit order.
func (r *Relay) broadcastCommitted(ev *event.Event) {
	if !r.ext.ApplyMatch(ev) {
		return
	}
	matches := r.subs.FindMatching(ev)
	r.bcast.Deliver(ev, matches)
}

// OpenSubscription registers the filters under (connID, name), replacing
// any previous subscription of that name, and returns the stored events
// matching them, newest first. Registration happens before the backfill
// query so no commit falls between the two unobserved; the transport sends
// the backfill, then end-of-stored-events, then live deliveries.
func (r *Relay) OpenSubscription(ctx context.Context, connID, name string, filters []event.Filter) ([]*event.Event, error) {
	if _, err := r.subs.Register(connID, name, filters); err != nil {
		return nil, err
	}
	backfill, err := r.st.Query(ctx, filters)
	if err != nil {
		r.subs.Cancel(connID, name)
		return nil, err
	}
	return backfill, nil
}

// CloseSubscription cancels one named subscription.
func (r *Relay) CloseSubscription(connID, name string) {
	r.subs.Cancel(connID, name)
}

// SetExtensionEnabled toggles a protocol extension for all subsequently
// validated events.
func (r *Relay) SetExtensionEnabled(id string, enabled bool) error {
	return r.ext.SetEnabled(id, enabled)
}

// SetLimits swaps the operator limits with immediate effect.
func (r *Relay) SetLimits(l Limits) {
	r.validator.SetLimits(event.Limits{
		MaxEventBytes:       l.MaxEventBytes,
		RejectFutureSeconds: l.RejectFutureSeconds,
	})
	r.limPolicy.Store(&limiter.Policy{EventsPerSec: l.MessagesPerSec})
}

// Limits returns the current operator limits.
func (r *Relay) Limits() Limits {
	vl := r.validator.Limits()
	return Limits{
		MaxEventBytes:       vl.MaxEventBytes,
		RejectFutureSeconds: vl.RejectFutureSeconds,
		MessagesPerSec:      r.limPolicy.Load().EventsPerSec,
	}
}
