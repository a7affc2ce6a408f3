package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/idgen"
)

// windowEntry records a single funded escrow for sliding-window analysis.
type windowEntry struct {
	Counterparty string
	Amount       uint64
	Timestamp    time.Time
}

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour

	weightVelocity  = 0.35
	weightNovelty   = 0.25
	weightTimeOfDay = 0.15
	weightSize      = 0.25
)

// Engine scores escrows using in-memory sliding windows per creator.
type Engine struct {
	windows sync.Map // map[string]*userWindow
	now     func() time.Time
}

type userWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewEngine creates a local risk scoring engine.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Score evaluates an escrow against its creator's recent history.
// Pure in-memory computation.
func (e *Engine) Score(esc *escrow.Escrow) *Assessment {
	w := e.getWindow(esc.CreatorID)
	w.mu.Lock()
	entries := e.snapshotEntries(w)
	w.mu.Unlock()

	factors := map[string]float64{
		"velocity":    e.velocityFactor(entries, esc.AmountSatoshis),
		"novelty":     e.noveltyFactor(entries, esc.CounterpartyID),
		"time_of_day": e.timeOfDayFactor(entries),
		"size":        e.sizeFactor(entries, esc.AmountSatoshis),
	}

	raw := factors["velocity"]*weightVelocity +
		factors["novelty"]*weightNovelty +
		factors["time_of_day"]*weightTimeOfDay +
		factors["size"]*weightSize
	raw = math.Max(0, math.Min(1, raw))
	score := uint8(math.Round(raw * 100))

	return &Assessment{
		ID:                idgen.WithPrefix("risk_"),
		EscrowID:          esc.ID,
		Score:             score,
		Level:             LevelFor(score),
		Reasons:           reasonsFor(factors),
		RecommendedAction: ActionFor(score),
		Source:            SourceLocal,
		Factors:           factors,
		AssessedAt:        e.now(),
	}
}

// Observe appends a funded escrow to its creator's window.
func (e *Engine) Observe(esc *escrow.Escrow) {
	w := e.getWindow(esc.CreatorID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		Counterparty: esc.CounterpartyID,
		Amount:       esc.AmountSatoshis,
		Timestamp:    e.now(),
	})
	e.pruneWindow(w)
}

// Assess scores and then observes the escrow. Engine can stand alone as the
// escrow service's RiskAssessor when no gateway is configured.
func (e *Engine) Assess(_ context.Context, esc *escrow.Escrow) (*escrow.Assessment, error) {
	a := e.Score(esc)
	e.Observe(esc)
	return &escrow.Assessment{Score: a.Score, Tags: a.Tags()}, nil
}

func reasonsFor(factors map[string]float64) []string {
	var reasons []string
	if factors["velocity"] >= 0.5 {
		reasons = append(reasons, "escrow volume spike")
	}
	if factors["novelty"] >= 0.6 {
		reasons = append(reasons, "new counterparty")
	}
	if factors["time_of_day"] > 0 {
		reasons = append(reasons, "unusual hour")
	}
	if factors["size"] >= 0.5 {
		reasons = append(reasons, "amount far above usual")
	}
	return reasons
}

func (e *Engine) getWindow(userID string) *userWindow {
	v, _ := e.windows.LoadOrStore(userID, &userWindow{})
	return v.(*userWindow)
}

// snapshotEntries returns a copy of non-expired entries (caller holds lock).
func (e *Engine) snapshotEntries(w *userWindow) []windowEntry {
	cutoff := e.now().Add(-windowDuration)
	result := make([]windowEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

// pruneWindow removes entries older than 24h and caps at maxWindowSize.
func (e *Engine) pruneWindow(w *userWindow) {
	cutoff := e.now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// velocityFactor: 1h escrowed volume vs the 24h hourly average.
// 10x spike = 0.5, 100x spike = 1.0, log10 scaling.
func (e *Engine) velocityFactor(entries []windowEntry, current uint64) float64 {
	if len(entries) < 2 {
		return 0.0
	}

	hourAgo := e.now().Add(-time.Hour)
	var total24h, lastHour float64
	for _, entry := range entries {
		total24h += float64(entry.Amount)
		if entry.Timestamp.After(hourAgo) {
			lastHour += float64(entry.Amount)
		}
	}
	lastHour += float64(current)

	avgHourly := total24h / 24.0
	if avgHourly <= 0 {
		return 0.0
	}
	ratio := lastHour / avgHourly
	if ratio <= 1.0 {
		return 0.0
	}
	return roundFactor(math.Log10(ratio) / 2.0)
}

// noveltyFactor: never seen = 0.6, seen 1-2x = 0.3, seen 3+ = 0.0.
func (e *Engine) noveltyFactor(entries []windowEntry, counterparty string) float64 {
	count := 0
	for _, entry := range entries {
		if entry.Counterparty == counterparty {
			count++
		}
	}
	switch {
	case count >= 3:
		return 0.0
	case count >= 1:
		return 0.3
	default:
		if len(entries) == 0 {
			return 0.0 // cold start
		}
		return 0.6
	}
}

// timeOfDayFactor: unusual hour (< 2% of history) = 0.8. Needs 10 entries.
func (e *Engine) timeOfDayFactor(entries []windowEntry) float64 {
	if len(entries) < 10 {
		return 0.0
	}
	var histogram [24]int
	for _, entry := range entries {
		histogram[entry.Timestamp.Hour()]++
	}
	fraction := float64(histogram[e.now().Hour()]) / float64(len(entries))
	if fraction < 0.02 {
		return 0.8
	}
	return 0.0
}

// sizeFactor: current amount vs the window mean. 10x = 0.5, 100x = 1.0.
func (e *Engine) sizeFactor(entries []windowEntry, current uint64) float64 {
	if len(entries) == 0 {
		return 0.0
	}
	var total float64
	for _, entry := range entries {
		total += float64(entry.Amount)
	}
	mean := total / float64(len(entries))
	if mean <= 0 {
		return 0.0
	}
	ratio := float64(current) / mean
	if ratio <= 1.0 {
		return 0.0
	}
	return roundFactor(math.Log10(ratio) / 2.0)
}

func roundFactor(f float64) float64 {
	if f > 1.0 {
		f = 1.0
	}
	return math.Round(f*1000) / 1000
}
