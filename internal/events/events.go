// Package events fans escrow lifecycle events out to their consumers: the
// local WebSocket hub and, when configured, Redis pub/sub so every replica's
// hub sees every event.
package events

import (
	"context"
	"time"

	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/metrics"
)

// DefaultChannel is the Redis channel escrow events are published on.
const DefaultChannel = "escrow.events"

// Fanout delivers each event to every sink in order and records
// resolution metrics. It satisfies escrow.EventSink.
type Fanout struct {
	sinks []escrow.EventSink
}

// NewFanout creates a fan-out over sinks. Nil sinks are skipped.
func NewFanout(sinks ...escrow.EventSink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// EscrowEvent implements escrow.EventSink.
func (f *Fanout) EscrowEvent(ctx context.Context, event string, e *escrow.Escrow) {
	if event == escrow.EventReleased || event == escrow.EventRefunded {
		observeResolution(e)
	}
	for _, s := range f.sinks {
		s.EscrowEvent(ctx, event, e)
	}
}

func observeResolution(e *escrow.Escrow) {
	resolution := e.Resolution
	if resolution == "" {
		resolution = string(e.Status)
	}
	end := e.UpdatedAt
	if e.ResolvedAt != nil {
		end = *e.ResolvedAt
	}
	metrics.ObserveResolution(resolution, e.CreatedAt, end)
}

// publishTimeout bounds one publish so a slow broker never stalls the
// escrow operation that emitted the event.
const publishTimeout = 2 * time.Second
