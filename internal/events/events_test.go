package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) EscrowEvent(_ context.Context, event string, e *escrow.Escrow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+e.ID)
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := NewFanout(a, nil, b)

	e := &escrow.Escrow{ID: "esc_1", Status: escrow.StatusCreated}
	f.EscrowEvent(context.Background(), escrow.EventCreated, e)
	f.EscrowEvent(context.Background(), escrow.EventFunded, e)

	want := []string{"escrow.created:esc_1", "escrow.funded:esc_1"}
	assert.Equal(t, want, a.events)
	assert.Equal(t, want, b.events)
}

func TestFanout_ObservesResolutions(t *testing.T) {
	f := NewFanout()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	resolved := created.Add(2 * time.Hour)

	before := testutil.ToFloat64(metrics.EscrowsResolvedTotal.WithLabelValues("released"))
	f.EscrowEvent(context.Background(), escrow.EventReleased, &escrow.Escrow{
		ID:         "esc_1",
		Status:     escrow.StatusReleased,
		Resolution: "released",
		CreatedAt:  created,
		UpdatedAt:  resolved,
		ResolvedAt: &resolved,
	})
	f.EscrowEvent(context.Background(), escrow.EventDelivered, &escrow.Escrow{ID: "esc_2"})

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EscrowsResolvedTotal.WithLabelValues("released")))
}
