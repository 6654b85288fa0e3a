// Package loop runs the sovereign control loop: verify the current snapshot,
// adjust scale from recent outcomes, emit gated artifacts, and fold the
// result into the pattern model, once per tick, strictly sequentially.
package loop

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ark95x-sAn/n8n-sovereign/internal/artifact"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/learning"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/scaling"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/verify"
)

// ErrAlreadyRunning is returned by Start when the loop is live.
var ErrAlreadyRunning = errors.New("loop already running")

// Config holds the immutable per-run settings. It is applied once at
// construction and never mutated.
type Config struct {
	MaxIterations       int64         // 0 = unbounded
	Interval            time.Duration // delay between ticks
	ConfidenceThreshold float64
	StageDepth          int
	Strict              bool
	AutoScale           bool
	AutoGenerate        bool
	LearnOnFailure      bool
	NodeID              string
}

// Verifier scores one snapshot per tick.
type Verifier interface {
	Verify(snapshot map[string]any) verify.Outcome
	PassRate() float64
}

// Scaler evaluates the scaling policy against recent tick statuses.
type Scaler interface {
	Evaluate(score float64, iteration int64, recent []string) scaling.Outcome
	Scale() float64
}

// Learner folds tick outcomes into the pattern model.
type Learner interface {
	Observe(class learning.Class, data map[string]any, iteration int64) learning.Outcome
	ModelVersion() string
	PatternCount() int
}

// Generator produces artifacts for a tick.
type Generator interface {
	Generate(in artifact.Input) artifact.Outcome
}

// MetricsRecorder receives aggregate updates after each published tick.
type MetricsRecorder interface {
	ObserveTick(status Status)
	AddArtifacts(n int)
	SetScale(scale float64)
	SetPatterns(n int)
	SetPassRate(rate float64)
}

// RunnerConfig wires a Runner together. Gate, Engine, Learner and Generator
// are required; everything else has a working default.
type RunnerConfig struct {
	Config    Config
	Gate      Verifier
	Engine    Scaler
	Learner   Learner
	Generator Generator
	Sink      Sink
	Metrics   MetricsRecorder
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Runner is the loop orchestrator. It is the sole writer of its own state;
// ticks never overlap, and readers only ever observe fully finalized records.
type Runner struct {
	cfg       Config
	gate      Verifier
	engine    Scaler
	learner   Learner
	generator Generator
	sink      Sink
	metrics   MetricsRecorder
	logger    *zap.Logger
	clock     func() time.Time

	mu            sync.RWMutex
	running       bool
	stopOnce      *sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
	startedAt     time.Time
	iteration     int64
	passes        int64
	failures      int64
	artifacts     int64
	roiSum        float64
	confidenceSum float64
	history       []IterationRecord
}

// NewRunner constructs an explicitly owned runner; there is no process-wide
// instance.
func NewRunner(rc RunnerConfig) *Runner {
	cfg := rc.Config
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if cfg.NodeID == "" {
		cfg.NodeID = fmt.Sprintf("%s-core-%s", verify.NodeMarker, uuid.NewString()[:8])
	}

	r := &Runner{
		cfg:       cfg,
		gate:      rc.Gate,
		engine:    rc.Engine,
		learner:   rc.Learner,
		generator: rc.Generator,
		sink:      rc.Sink,
		metrics:   rc.Metrics,
		logger:    rc.Logger,
		clock:     rc.Clock,
	}
	if r.sink == nil {
		r.sink = NopSink
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	return r
}

// Start transitions the runner from Stopped to Running and kicks off the
// first tick immediately, before any delay.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.startedAt = r.clock()
	r.stopOnce = &sync.Once{}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("loop starting",
		zap.String("node_id", r.cfg.NodeID),
		zap.Int64("max_iterations", r.cfg.MaxIterations),
		zap.Duration("interval", r.cfg.Interval))
	r.sink.Emit(Event{Type: EventLoopStarted, Timestamp: r.clock()})

	go r.run(stopCh, doneCh)
	return nil
}

// Stop cancels the pending tick timer and waits for any in-flight tick to
// finish. A tick already in progress is never aborted. Stopping a stopped
// runner is a no-op.
func (r *Runner) Stop() {
	r.mu.RLock()
	running := r.running
	once, doneCh := r.stopOnce, r.doneCh
	stopCh := r.stopCh
	r.mu.RUnlock()

	if !running || once == nil {
		return
	}
	once.Do(func() { close(stopCh) })
	<-doneCh
}

// Running reports whether the loop is live.
func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Runner) run(stopCh, doneCh chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.running = false
		iter := r.iteration
		r.mu.Unlock()
		r.logger.Info("loop stopped", zap.Int64("iterations", iter))
		r.sink.Emit(Event{Type: EventLoopStopped, Iteration: iter, Timestamp: r.clock()})
		close(doneCh)
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		if r.maxReached() {
			return
		}

		r.tick()

		if r.maxReached() {
			return
		}
		select {
		case <-stopCh:
			return
		case <-time.After(r.cfg.Interval):
		}
	}
}

func (r *Runner) maxReached() bool {
	if r.cfg.MaxIterations <= 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.iteration >= r.cfg.MaxIterations
}

// tick runs one full verify → scale → generate → learn pass. All computation
// happens against the pre-tick state; the new record and aggregates are
// published atomically at the end.
func (r *Runner) tick() {
	r.mu.RLock()
	iter := r.iteration + 1
	successRate, avgConfidence, avgROI := r.aggregatesLocked()
	recent := r.recentStatusesLocked()
	r.mu.RUnlock()

	start := r.clock()
	snapshot := map[string]any{
		"iteration":     iter,
		"scale":         r.engine.Scale(),
		"modelVersion":  r.learner.ModelVersion(),
		"successRate":   successRate,
		"avgConfidence": avgConfidence,
		"avgROI":        avgROI,
		"timestamp":     start.UnixMilli(),
		"nodeId":        r.cfg.NodeID,
	}

	rec := IterationRecord{ID: iter, StartedAt: start, Status: StatusRunning}
	r.sink.Emit(Event{Type: EventTickStarted, Iteration: iter, Timestamp: start})

	// Any fault below the tick boundary marks the iteration failed instead
	// of propagating; the loop carries on.
	func() {
		defer func() {
			if p := recover(); p != nil {
				fault := fmt.Errorf("iteration %d fault: %v", iter, p)
				rec.Status = StatusFailed
				rec.Verification.Errors = append(rec.Verification.Errors, fault.Error())
				r.logger.Error("tick fault", zap.Int64("iteration", iter), zap.Error(fault))
				r.sink.Emit(Event{Type: EventError, Iteration: iter, Timestamp: r.clock(), Message: fault.Error(), Err: fault})
				// A fault-failed tick is still a failed tick; feed it to the
				// model like any other failure. Skip if the tick already
				// recorded an observation before the fault, and contain a
				// fault from the learner itself.
				if r.cfg.LearnOnFailure && rec.Learning == nil {
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.logger.Error("failure ingest fault", zap.Int64("iteration", iter), zap.Any("fault", p))
							}
						}()
						lo := r.learner.Observe(learning.ClassFailure, map[string]any{
							"score":  rec.Verification.Score,
							"errors": rec.Verification.Errors,
							"status": string(StatusFailed),
						}, iter)
						rec.Learning = &lo
					}()
				}
			}
		}()
		r.runTickStages(&rec, snapshot, iter, recent)
	}()

	end := r.clock()
	rec.CompletedAt = end
	rec.Duration = end.Sub(start)

	r.publish(rec)

	if rec.Status == StatusFailed {
		r.sink.Emit(Event{Type: EventTickFailed, Iteration: iter, Timestamp: end, Message: firstError(rec.Verification.Errors)})
	} else {
		r.sink.Emit(Event{Type: EventTickPassed, Iteration: iter, Timestamp: end})
	}
	r.sink.Emit(Event{Type: EventTickCompleted, Iteration: iter, Timestamp: end})
}

// runTickStages drives the sub-engines for one tick and fills in the record.
func (r *Runner) runTickStages(rec *IterationRecord, snapshot map[string]any, iter int64, recent []string) {
	outcome := r.gate.Verify(snapshot)
	rec.Verification = outcome
	rec.Confidence = outcome.Score

	if !outcome.Passed {
		rec.Status = StatusFailed
		r.logger.Debug("verification failed",
			zap.Int64("iteration", iter),
			zap.Float64("score", outcome.Score),
			zap.Strings("errors", outcome.Errors))
		if r.cfg.LearnOnFailure {
			lo := r.learner.Observe(learning.ClassFailure, map[string]any{
				"score":  outcome.Score,
				"errors": outcome.Errors,
				"status": string(StatusFailed),
			}, iter)
			rec.Learning = &lo
		}
		return
	}

	rec.Status = StatusPassed

	if r.cfg.AutoScale {
		so := r.engine.Evaluate(outcome.Score, iter, recent)
		rec.Scaling = &so
		if so.Scaled {
			rec.Status = StatusScaled
			r.logger.Info("scaling event",
				zap.Int64("iteration", iter),
				zap.Float64("scale", so.NewScale),
				zap.String("reason", so.Reason))
		}
	}

	scale := r.engine.Scale()

	if r.cfg.AutoGenerate {
		gen := r.generator.Generate(artifact.Input{
			Iteration:  iter,
			Scale:      scale,
			Confidence: outcome.Score,
			Recent:     r.recentTickSummaries(),
			Timestamp:  r.clock(),
		})
		rec.Generation = &gen
		rec.ROI = roi(outcome.Score, scale)
		if gen.Generated {
			r.logger.Debug("artifacts generated",
				zap.Int64("iteration", iter),
				zap.Int("count", len(gen.Artifacts)),
				zap.String("type", gen.Type))
		}
	}

	lo := r.learner.Observe(learning.ClassSuccess, map[string]any{
		"score":  outcome.Score,
		"scale":  scale,
		"status": string(rec.Status),
	}, iter)
	rec.Learning = &lo
}

// publish appends the finalized record and updates the aggregates in one
// critical section so concurrent snapshot readers never see a half-updated
// tick.
func (r *Runner) publish(rec IterationRecord) {
	r.mu.Lock()
	r.iteration = rec.ID
	switch rec.Status {
	case StatusFailed:
		r.failures++
	default:
		r.passes++
	}
	r.confidenceSum += rec.Confidence
	r.roiSum += rec.ROI
	if rec.Generation != nil {
		r.artifacts += int64(len(rec.Generation.Artifacts))
	}
	r.history = append(r.history, rec)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ObserveTick(rec.Status)
		if rec.Generation != nil {
			r.metrics.AddArtifacts(len(rec.Generation.Artifacts))
		}
		r.metrics.SetScale(r.engine.Scale())
		r.metrics.SetPatterns(r.learner.PatternCount())
		r.metrics.SetPassRate(r.gate.PassRate())
	}
}

// Snapshot returns a point-in-time copy of the runner state, including the
// last 10 finalized records.
func (r *Runner) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	successRate, avgConfidence, avgROI := r.aggregatesLocked()

	recent := r.history
	if len(recent) > snapshotRecent {
		recent = recent[len(recent)-snapshotRecent:]
	}
	recentCopy := make([]IterationRecord, len(recent))
	copy(recentCopy, recent)

	uptime := time.Duration(0)
	if r.running {
		uptime = r.clock().Sub(r.startedAt)
	}

	return Snapshot{
		Running:       r.running,
		NodeID:        r.cfg.NodeID,
		Iterations:    r.iteration,
		Passes:        r.passes,
		Failures:      r.failures,
		Artifacts:     r.artifacts,
		SuccessRate:   successRate,
		AvgConfidence: avgConfidence,
		AvgROI:        avgROI,
		Scale:         r.engine.Scale(),
		ModelVersion:  r.learner.ModelVersion(),
		Patterns:      r.learner.PatternCount(),
		Uptime:        uptime,
		Recent:        recentCopy,
	}
}

// aggregatesLocked computes the running rates. Before any tick has completed
// the loop assumes optimistic priors so early compliance checks do not
// self-sabotage.
func (r *Runner) aggregatesLocked() (successRate, avgConfidence, avgROI float64) {
	total := r.passes + r.failures
	if total == 0 {
		return 1.0, 1.0, 0
	}
	successRate = float64(r.passes) / float64(total)
	avgConfidence = r.confidenceSum / float64(total)
	avgROI = r.roiSum / float64(total)
	return successRate, avgConfidence, avgROI
}

func (r *Runner) recentStatusesLocked() []string {
	start := 0
	if len(r.history) > streakHistory {
		start = len(r.history) - streakHistory
	}
	out := make([]string, 0, len(r.history)-start)
	for _, rec := range r.history[start:] {
		out = append(out, string(rec.Status))
	}
	return out
}

// streakHistory is how much trailing history the scaling engine sees.
const streakHistory = 10

func (r *Runner) recentTickSummaries() []artifact.TickSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if len(r.history) > snapshotRecent {
		start = len(r.history) - snapshotRecent
	}
	out := make([]artifact.TickSummary, 0, len(r.history)-start)
	for _, rec := range r.history[start:] {
		out = append(out, artifact.TickSummary{Status: string(rec.Status), ROI: rec.ROI})
	}
	return out
}

// roi derives the display return-on-investment for a passed tick.
func roi(confidence, scale float64) float64 {
	v := confidence * 100 * (math.Log2(scale+1) + 1)
	return math.Round(v*100) / 100
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0]
}
