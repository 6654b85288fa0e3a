// Package scaling maintains the loop's capacity multiplier. The engine reads
// the recent tick history, keeps pass/fail streak counters, and applies a
// strict-priority policy: grow on a hot streak, decay on repeated failure,
// boost on milestone iterations, otherwise hold.
package scaling

import (
	"math"
	"sync"
)

// Policy reasons reported in every outcome.
const (
	ReasonNone    = "no scaling event"
	ReasonScaleUp = "scale-up"
	ReasonDecay   = "decay"
	ReasonBoost   = "periodic-boost"
)

// Tick statuses the streak scan recognizes. These mirror the loop's record
// statuses; anything else breaks the scan.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
	StatusScaled = "scaled"
)

const (
	scaleUpScoreFloor = 0.85
	boostScoreFloor   = 0.95
	boostFactor       = 1.5
	boostEvery        = 10
	failStreakFloor   = 3
	maxEvents         = 50
	streakWindow      = 10
)

// Config controls the scaling policy. Zero values are normalized by New.
type Config struct {
	MaxScale       float64 // upper bound for the multiplier (default 10)
	GrowthFactor   float64 // applied on scale-up (default 1.25)
	DecayFactor    float64 // applied on failure decay (default 0.9)
	MinPassStreak  int     // passes required before scale-up (default 3)
	DecayOnFailure bool    // enable the failure-decay rule
}

// Outcome describes one policy evaluation.
type Outcome struct {
	PreviousScale float64 `json:"previousScale"`
	NewScale      float64 `json:"newScale"`
	Scaled        bool    `json:"scaled"`
	Reason        string  `json:"reason"`
}

// Event is one entry in the bounded scaling log.
type Event struct {
	Iteration int64   `json:"iteration"`
	Scale     float64 `json:"scale"`
	Reason    string  `json:"reason"`
}

// Engine owns the scale multiplier and its streak counters.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	scale      float64
	passStreak int
	failStreak int
	events     []Event
}

// New creates an engine at scale 1 with normalized configuration.
func New(cfg Config) *Engine {
	if cfg.MaxScale < 1 {
		cfg.MaxScale = 10
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = 1.25
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		cfg.DecayFactor = 0.9
	}
	if cfg.MinPassStreak <= 0 {
		cfg.MinPassStreak = 3
	}
	return &Engine{cfg: cfg, scale: 1}
}

// Evaluate recomputes streaks from the recent tick statuses (chronological,
// at most the last 10 are considered) and applies the first matching policy
// rule. The returned scales are rounded to 4 decimal places for display;
// internal comparisons always use the unrounded value.
func (e *Engine) Evaluate(score float64, iteration int64, recent []string) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recomputeStreaks(recent)

	prev := e.scale
	out := Outcome{
		PreviousScale: round4(prev),
		NewScale:      round4(prev),
		Reason:        ReasonNone,
	}

	switch {
	case e.passStreak >= e.cfg.MinPassStreak && score >= scaleUpScoreFloor && e.scale < e.cfg.MaxScale:
		e.scale = math.Min(e.scale*e.cfg.GrowthFactor, e.cfg.MaxScale)
		e.passStreak = 0
		out.Scaled = true
		out.Reason = ReasonScaleUp

	case e.cfg.DecayOnFailure && e.failStreak >= failStreakFloor && e.scale > 1:
		e.scale = math.Max(e.scale*e.cfg.DecayFactor, 1)
		e.failStreak = 0
		out.Scaled = true
		out.Reason = ReasonDecay

	case iteration > 0 && iteration%boostEvery == 0 && score >= boostScoreFloor:
		e.scale = math.Min(e.scale*boostFactor, e.cfg.MaxScale)
		out.Scaled = true
		out.Reason = ReasonBoost
	}

	if out.Scaled {
		out.NewScale = round4(e.scale)
		e.appendEvent(Event{Iteration: iteration, Scale: out.NewScale, Reason: out.Reason})
	}

	return out
}

// recomputeStreaks scans the recent statuses newest-to-oldest. A run stops
// the moment a status of the opposite kind, or an unrecognized status, shows
// up.
func (e *Engine) recomputeStreaks(recent []string) {
	if len(recent) > streakWindow {
		recent = recent[len(recent)-streakWindow:]
	}

	pass, fail := 0, 0
scan:
	for i := len(recent) - 1; i >= 0; i-- {
		switch recent[i] {
		case StatusPassed, StatusScaled:
			if fail > 0 {
				break scan
			}
			pass++
		case StatusFailed:
			if pass > 0 {
				break scan
			}
			fail++
		default:
			break scan
		}
	}

	e.passStreak = pass
	e.failStreak = fail
}

func (e *Engine) appendEvent(ev Event) {
	e.events = append(e.events, ev)
	if len(e.events) > maxEvents {
		e.events = e.events[len(e.events)-maxEvents:]
	}
}

// Scale returns the current multiplier, display-rounded.
func (e *Engine) Scale() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return round4(e.scale)
}

// Streaks returns the current pass and fail streak counters.
func (e *Engine) Streaks() (pass, fail int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.passStreak, e.failStreak
}

// Events returns a copy of the bounded scaling event log.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
