// Package publisher delivers finalised decisions to outbound consumers
// (spec §4.F's "publish decision.finalised"). Two modes are supported, per
// internal/config's publish.mode: sync (the Decision Authority
// blocks on delivery) and async_with_buffer (delivery happens on a
// background worker, bounded by a channel, so a slow downstream cannot
// stall decision finalisation).
package publisher

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

// Sink delivers one decision to the outbound destination (a message broker,
// webhook, or anything else wired in by cmd/orchestrator).
type Sink interface {
	Send(ctx context.Context, decision domain.Decision) error
}

// LogSink is the default Sink: it writes decision.finalised as a structured
// log line rather than calling out to a downstream system. cmd/orchestrator
// always uses it; no other Sink ships with the orchestrator.
type LogSink struct {
	logger *logrus.Entry
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "publisher.log_sink")}
}

func (l *LogSink) Send(_ context.Context, decision domain.Decision) error {
	l.logger.WithFields(logrus.Fields{
		"decision_id": decision.DecisionID,
		"workflow_id": decision.WorkflowID,
		"outcome":     decision.Outcome,
		"is_override": decision.Authority.IsOverride,
	}).Info("decision.finalised")
	return nil
}

// Publisher hands a finalised decision to its Sink.
type Publisher interface {
	Publish(ctx context.Context, decision domain.Decision) error
	Close()
}

// Sync publishes inline, on the Decision Authority's own goroutine.
type Sync struct {
	sink   Sink
	logger *logrus.Entry
}

// NewSync builds a synchronous Publisher.
func NewSync(sink Sink, logger *logrus.Logger) *Sync {
	return &Sync{sink: sink, logger: logger.WithField("component", "publisher.sync")}
}

func (s *Sync) Publish(ctx context.Context, decision domain.Decision) error {
	return s.sink.Send(ctx, decision)
}

func (s *Sync) Close() {}

// Buffered publishes on a dedicated worker goroutine behind a bounded
// channel. When the channel is full, Publish drops the decision and logs it
// rather than blocking the caller. A dropped publish is never re-sent; the
// decision itself is already durable in the store and stays readable
// through the Query API.
type Buffered struct {
	sink   Sink
	queue  chan domain.Decision
	done   chan struct{}
	logger *logrus.Entry
}

// NewBuffered starts a Buffered publisher with the given channel depth.
func NewBuffered(sink Sink, depth int, logger *logrus.Logger) *Buffered {
	if depth <= 0 {
		depth = 256
	}
	b := &Buffered{
		sink:   sink,
		queue:  make(chan domain.Decision, depth),
		done:   make(chan struct{}),
		logger: logger.WithField("component", "publisher.buffered"),
	}
	go b.run()
	return b
}

func (b *Buffered) run() {
	defer close(b.done)
	for decision := range b.queue {
		if err := b.sink.Send(context.Background(), decision); err != nil {
			b.logger.WithError(err).WithField("decision_id", decision.DecisionID).
				Error("failed to publish decision.finalised")
		}
	}
}

// Publish enqueues decision for asynchronous delivery. It never blocks on
// the sink; ctx is only consulted to avoid enqueueing past cancellation.
func (b *Buffered) Publish(ctx context.Context, decision domain.Decision) error {
	select {
	case b.queue <- decision:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.logger.WithField("decision_id", decision.DecisionID).
			Warn("publish buffer full, dropping decision.finalised delivery")
		return nil
	}
}

// Close drains in-flight sends and stops the worker. Call during graceful
// shutdown.
func (b *Buffered) Close() {
	close(b.queue)
	<-b.done
}

var _ Publisher = (*Sync)(nil)
var _ Publisher = (*Buffered)(nil)
