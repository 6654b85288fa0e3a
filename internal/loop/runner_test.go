package loop

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Ark95x-sAn/n8n-sovereign/internal/artifact"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/learning"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/scaling"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/verify"
)

// recordingSink captures every event in emission order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) Types() []EventType {
	events := s.Events()
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// stubVerifier lets a test force gate outcomes.
type stubVerifier struct {
	verifyFn func(map[string]any) verify.Outcome
}

func (s *stubVerifier) Verify(snapshot map[string]any) verify.Outcome { return s.verifyFn(snapshot) }
func (s *stubVerifier) PassRate() float64                             { return 0 }

// stubLearner records which classes it was fed.
type stubLearner struct {
	mu      sync.Mutex
	classes []learning.Class
}

func (s *stubLearner) Observe(class learning.Class, data map[string]any, iteration int64) learning.Outcome {
	s.mu.Lock()
	s.classes = append(s.classes, class)
	s.mu.Unlock()
	return learning.Outcome{PatternID: "stub", ModelVersion: "1.0"}
}
func (s *stubLearner) ModelVersion() string { return "1.0" }
func (s *stubLearner) PatternCount() int    { return 0 }

func (s *stubLearner) Classes() []learning.Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]learning.Class(nil), s.classes...)
}

// countingMetrics tallies recorder calls.
type countingMetrics struct {
	mu        sync.Mutex
	ticks     map[Status]int
	artifacts int
}

func (m *countingMetrics) ObserveTick(status Status) {
	m.mu.Lock()
	if m.ticks == nil {
		m.ticks = make(map[Status]int)
	}
	m.ticks[status]++
	m.mu.Unlock()
}
func (m *countingMetrics) AddArtifacts(n int) {
	m.mu.Lock()
	m.artifacts += n
	m.mu.Unlock()
}
func (m *countingMetrics) SetScale(float64)   {}
func (m *countingMetrics) SetPatterns(int)    {}
func (m *countingMetrics) SetPassRate(float64) {}

func newTestRunner(cfg Config, rc RunnerConfig) *Runner {
	rc.Config = cfg
	if rc.Gate == nil {
		rc.Gate = verify.New(verify.Config{})
	}
	if rc.Engine == nil {
		rc.Engine = scaling.New(scaling.Config{DecayOnFailure: true})
	}
	if rc.Learner == nil {
		rc.Learner = learning.New(learning.Config{})
	}
	if rc.Generator == nil {
		rc.Generator = artifact.NewDefault(5)
	}
	return NewRunner(rc)
}

// waitStopped blocks until the loop finishes or the deadline expires.
func waitStopped(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("loop did not stop in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunnerRunsToMaxIterations(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	r := newTestRunner(Config{
		MaxIterations:  5,
		AutoScale:      true,
		AutoGenerate:   true,
		LearnOnFailure: true,
	}, RunnerConfig{Sink: sink})

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	snap := r.Snapshot()
	if snap.Iterations != 5 {
		t.Errorf("expected 5 iterations, got %d", snap.Iterations)
	}
	if snap.Running {
		t.Error("snapshot should report stopped")
	}
	if snap.Passes+snap.Failures != 5 {
		t.Errorf("pass+fail should equal iterations, got %d+%d", snap.Passes, snap.Failures)
	}
	if len(snap.Recent) != 5 {
		t.Errorf("expected 5 recent records, got %d", len(snap.Recent))
	}
	for i, rec := range snap.Recent {
		if rec.Status == StatusRunning {
			t.Errorf("record %d still marked running", i)
		}
		if rec.ID != int64(i+1) {
			t.Errorf("record %d has id %d, want %d", i, rec.ID, i+1)
		}
	}
}

func TestFirstTickOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRunner(Config{
		MaxIterations: 1,
		Strict:        true,
		AutoScale:     true,
		AutoGenerate:  true,
	}, RunnerConfig{})

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	snap := r.Snapshot()
	if len(snap.Recent) != 1 {
		t.Fatalf("expected one record, got %d", len(snap.Recent))
	}
	rec := snap.Recent[0]

	if rec.Status != StatusPassed {
		t.Fatalf("first tick should pass, got %s (%v)", rec.Status, rec.Verification.Errors)
	}
	if rec.Verification.Score != 1.0 {
		t.Errorf("expected full score on a healthy snapshot, got %v", rec.Verification.Score)
	}
	if rec.Scaling == nil || rec.Scaling.Scaled {
		t.Errorf("a one-tick streak must not trigger scaling, got %+v", rec.Scaling)
	}
	if rec.Learning == nil || !rec.Learning.NewPattern {
		t.Fatalf("first success should seed a new pattern, got %+v", rec.Learning)
	}
	if rec.Learning.Delta != 0.6 {
		t.Errorf("success seed weight should be 0.6, got %v", rec.Learning.Delta)
	}
	// Scale 1: roi = score*100*(log2(2)+1) = 200.
	if rec.ROI != 200 {
		t.Errorf("expected ROI 200, got %v", rec.ROI)
	}
}

func TestStartWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRunner(Config{Interval: 10 * time.Millisecond}, RunnerConfig{})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Stop()

	if err := r.Start(); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRunner(Config{Interval: 10 * time.Millisecond}, RunnerConfig{})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	r.Stop()
	r.Stop() // second stop must not block or panic

	if r.Running() {
		t.Error("runner should be stopped")
	}

	// The runner restarts cleanly after a stop.
	if err := r.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	r.Stop()
}

func TestStopOnStoppedRunner(t *testing.T) {
	r := newTestRunner(Config{}, RunnerConfig{})
	r.Stop() // never started; must be a no-op
	if r.Running() {
		t.Error("runner should not be running")
	}
}

func TestEventOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	r := newTestRunner(Config{MaxIterations: 1}, RunnerConfig{Sink: sink})

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	types := sink.Types()
	want := []EventType{EventLoopStarted, EventTickStarted, EventTickPassed, EventTickCompleted, EventLoopStopped}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestFailedTickEventOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	gate := &stubVerifier{verifyFn: func(map[string]any) verify.Outcome {
		return verify.Outcome{Score: 0.3, Errors: []string{"nodeId: unknown"}}
	}}
	r := newTestRunner(Config{MaxIterations: 1}, RunnerConfig{Sink: sink, Gate: gate})

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	types := sink.Types()
	want := []EventType{EventLoopStarted, EventTickStarted, EventTickFailed, EventTickCompleted, EventLoopStopped}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}

	for _, ev := range sink.Events() {
		if ev.Type == EventTickFailed && ev.Message == "" {
			t.Error("tick_failed event should carry the first verification error")
		}
	}
}

func TestPanicInTickMarksIterationFailed(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	calls := 0
	gate := &stubVerifier{verifyFn: func(map[string]any) verify.Outcome {
		calls++
		panic("gate exploded")
	}}
	r := newTestRunner(Config{MaxIterations: 2}, RunnerConfig{Sink: sink, Gate: gate})

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	if calls != 2 {
		t.Errorf("the loop must survive a panic and keep ticking, got %d calls", calls)
	}

	snap := r.Snapshot()
	if snap.Failures != 2 {
		t.Errorf("expected 2 failures, got %d", snap.Failures)
	}
	for _, rec := range snap.Recent {
		if rec.Status != StatusFailed {
			t.Errorf("iteration %d should be failed, got %s", rec.ID, rec.Status)
		}
		if len(rec.Verification.Errors) == 0 {
			t.Errorf("iteration %d should record the fault", rec.ID)
		}
	}

	errorEvents := 0
	for _, ev := range sink.Events() {
		if ev.Type == EventError {
			errorEvents++
			if ev.Err == nil {
				t.Error("error event should carry the fault")
			}
		}
	}
	if errorEvents != 2 {
		t.Errorf("expected 2 error events, got %d", errorEvents)
	}
}

func TestPanicTickIngestsFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := &stubVerifier{verifyFn: func(map[string]any) verify.Outcome {
		panic("gate exploded")
	}}
	learner := &stubLearner{}
	r := newTestRunner(Config{MaxIterations: 2, LearnOnFailure: true},
		RunnerConfig{Gate: gate, Learner: learner})

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	classes := learner.Classes()
	if len(classes) != 2 {
		t.Fatalf("fault-failed ticks should be learned from, got %d observations", len(classes))
	}
	for _, c := range classes {
		if c != learning.ClassFailure {
			t.Errorf("expected failure observations, got %s", c)
		}
	}

	snap := r.Snapshot()
	for _, rec := range snap.Recent {
		if rec.Learning == nil {
			t.Errorf("iteration %d should carry the failure observation", rec.ID)
		}
	}

	// With the flag off, faults are recorded but not learned from.
	learner = &stubLearner{}
	r = newTestRunner(Config{MaxIterations: 2}, RunnerConfig{Gate: gate, Learner: learner})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	if len(learner.Classes()) != 0 {
		t.Errorf("expected no observations with learn-on-failure off, got %d", len(learner.Classes()))
	}
}

func TestLearnOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := &stubVerifier{verifyFn: func(map[string]any) verify.Outcome {
		return verify.Outcome{Score: 0.3, Errors: []string{"timestamp: missing"}}
	}}

	learner := &stubLearner{}
	r := newTestRunner(Config{MaxIterations: 3, LearnOnFailure: true},
		RunnerConfig{Gate: gate, Learner: learner})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	classes := learner.Classes()
	if len(classes) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(classes))
	}
	for _, c := range classes {
		if c != learning.ClassFailure {
			t.Errorf("expected failure observations, got %s", c)
		}
	}

	// With the flag off, failed ticks are not learned from.
	learner = &stubLearner{}
	r = newTestRunner(Config{MaxIterations: 3}, RunnerConfig{Gate: gate, Learner: learner})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	if len(learner.Classes()) != 0 {
		t.Errorf("expected no observations with learn-on-failure off, got %d", len(learner.Classes()))
	}
}

func TestHistoryBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRunner(Config{MaxIterations: 120}, RunnerConfig{})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	snap := r.Snapshot()
	if snap.Iterations != 120 {
		t.Fatalf("expected 120 iterations, got %d", snap.Iterations)
	}
	if len(snap.Recent) != snapshotRecent {
		t.Errorf("expected %d recent records, got %d", snapshotRecent, len(snap.Recent))
	}
	// FIFO: the snapshot tail ends at the newest record.
	if last := snap.Recent[len(snap.Recent)-1].ID; last != 120 {
		t.Errorf("newest record should be 120, got %d", last)
	}
	if first := snap.Recent[0].ID; first != 111 {
		t.Errorf("oldest recent record should be 111, got %d", first)
	}
}

func TestMetricsRecorder(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := &countingMetrics{}
	r := newTestRunner(Config{MaxIterations: 4, AutoGenerate: true},
		RunnerConfig{Metrics: metrics})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	total := 0
	for _, n := range metrics.ticks {
		total += n
	}
	if total != 4 {
		t.Errorf("expected one tick observation per iteration, got %d", total)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRunner(Config{MaxIterations: 6, AutoScale: true, AutoGenerate: true},
		RunnerConfig{})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	snap := r.Snapshot()
	if snap.SuccessRate < 0 || snap.SuccessRate > 1 {
		t.Errorf("success rate out of range: %v", snap.SuccessRate)
	}
	if snap.AvgConfidence < 0 || snap.AvgConfidence > 1 {
		t.Errorf("avg confidence out of range: %v", snap.AvgConfidence)
	}
	if snap.Scale < 1 {
		t.Errorf("scale below floor: %v", snap.Scale)
	}
	if snap.NodeID == "" {
		t.Error("snapshot must carry the node id")
	}
	if snap.ModelVersion == "" {
		t.Error("snapshot must carry the model version")
	}
}

func TestDefaultNodeIDCarriesMarker(t *testing.T) {
	r := newTestRunner(Config{}, RunnerConfig{})
	snap := r.Snapshot()
	if snap.NodeID == "" {
		t.Fatal("expected a generated node id")
	}
	if got := snap.NodeID[:len(verify.NodeMarker)]; got != verify.NodeMarker {
		t.Errorf("generated node id should start with the marker, got %q", snap.NodeID)
	}
}

func TestROI(t *testing.T) {
	tests := []struct {
		confidence float64
		scale      float64
		want       float64
	}{
		{1.0, 1.0, 200},   // log2(2)+1 = 2
		{0.5, 1.0, 100},
		{1.0, 3.0, 300},   // log2(4)+1 = 3
		{0, 5, 0},
	}
	for _, tt := range tests {
		if got := roi(tt.confidence, tt.scale); got != tt.want {
			t.Errorf("roi(%v, %v) = %v, want %v", tt.confidence, tt.scale, got, tt.want)
		}
	}
}

func TestChannelSinkForwardsEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := NewChannelSink(64)
	r := newTestRunner(Config{MaxIterations: 2}, RunnerConfig{Sink: sink})

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitStopped(t, r)

	close(sink.C)
	var completed int
	for ev := range sink.C {
		if ev.Type == EventTickCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Errorf("expected 2 completion events, got %d", completed)
	}
}
