// Package events holds event publishers that do not need a broker.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	domain "github.com/sheikh-saqib/milestone-escrow/internal/models/events"
)

// LogPublisher writes events to the log. Used when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, event domain.Event) error {
	p.logger.Info("domain event",
		zap.String("type", event.EventType()),
		zap.String("campaign_id", event.AggregateID()),
		zap.Any("event", event),
	)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

// FailWith makes every later Publish return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Publish(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of what was published.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

var (
	_ interfaces.EventPublisher = (*LogPublisher)(nil)
	_ interfaces.EventPublisher = (*Recorder)(nil)
)
