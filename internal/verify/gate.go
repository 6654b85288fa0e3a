// Package verify implements the staged snapshot gate. Every loop tick is
// scored through up to three weighted stages (structural, consistency,
// compliance); the weighted score against the configured threshold decides
// whether the tick counts as passed.
package verify

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
)

// NodeMarker is the substring every node identifier fed into the gate must
// carry. Snapshots from nodes outside the sovereign runtime fail structurally.
const NodeMarker = "sovereign"

// Stage weights. They sum to 1.0 at full depth.
const (
	structuralWeight  = 0.35
	consistencyWeight = 0.30
	complianceWeight  = 0.35
)

// maxSnapshotAge is how stale a snapshot timestamp may be before the
// consistency stage rejects it.
const maxSnapshotAge = 60 * time.Second

// knownSubsystems is the compliance allow-list. Matching takes the entry's
// prefix before the separator, so a node id of "sovereign-core-7f3a2b1c"
// satisfies the "core-node" entry.
var knownSubsystems = []string{"core-node", "loop-node", "bridge-node", "relay-node", "gateway-node"}

var versionPattern = regexp.MustCompile(`^\d+\.\d+$`)

// Outcome is the result of scoring one snapshot.
type Outcome struct {
	Structural  bool     `json:"structural"`
	Consistency bool     `json:"consistency"`
	Compliance  bool     `json:"compliance"`
	Score       float64  `json:"score"`
	Passed      bool     `json:"passed"`
	Errors      []string `json:"errors,omitempty"`
}

// Config controls gate behavior. Zero values are normalized by New.
type Config struct {
	Threshold  float64 // minimum weighted score to pass (default 0.85)
	StageDepth int     // number of stages to run, 1-3 (default 3)
	Strict     bool    // at full depth, require every stage to pass as well
}

// Gate scores snapshots. The snapshot itself is never mutated; the only
// state the gate keeps is the attempt/pass tally.
type Gate struct {
	cfg Config

	mu       sync.Mutex
	attempts int64
	passes   int64

	now func() time.Time
}

// New creates a gate with normalized configuration.
func New(cfg Config) *Gate {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.85
	}
	if cfg.StageDepth < 1 {
		cfg.StageDepth = 3
	}
	if cfg.StageDepth > 3 {
		cfg.StageDepth = 3
	}
	return &Gate{cfg: cfg, now: time.Now}
}

// Verify runs the configured stages against a snapshot and returns the
// weighted outcome. Errors accumulate across stages; a failing stage never
// stops the later stages from running.
func (g *Gate) Verify(snapshot map[string]any) Outcome {
	out := Outcome{}

	out.Structural = g.checkStructural(snapshot, &out.Errors)
	if out.Structural {
		out.Score += structuralWeight
	}

	if g.cfg.StageDepth >= 2 {
		out.Consistency = g.checkConsistency(snapshot, &out.Errors)
		if out.Consistency {
			out.Score += consistencyWeight
		}
	}

	if g.cfg.StageDepth >= 3 {
		out.Compliance = g.checkCompliance(snapshot, &out.Errors)
		if out.Compliance {
			out.Score += complianceWeight
		}
	}

	// The weights are decimal fractions, so the raw sum picks up binary
	// float noise (a full pass would read 0.9999...). Round before deciding
	// so a clean three-stage pass scores exactly 1.0.
	out.Score = round4(out.Score)
	out.Passed = g.decide(out)

	g.mu.Lock()
	g.attempts++
	if out.Passed {
		g.passes++
	}
	g.mu.Unlock()

	return out
}

// decide applies the pass rule for the configured depth.
func (g *Gate) decide(out Outcome) bool {
	switch g.cfg.StageDepth {
	case 1:
		return out.Structural && out.Score >= g.cfg.Threshold*structuralWeight
	case 2:
		available := structuralWeight + consistencyWeight
		return out.Structural && out.Consistency && out.Score >= g.cfg.Threshold*available
	default:
		if g.cfg.Strict {
			return out.Structural && out.Consistency && out.Compliance && out.Score >= g.cfg.Threshold
		}
		return out.Score >= g.cfg.Threshold
	}
}

// checkStructural validates that the required snapshot fields exist and have
// the expected shape.
func (g *Gate) checkStructural(snapshot map[string]any, errs *[]string) bool {
	ok := true

	iteration, found := numberField(snapshot, "iteration")
	if !found {
		*errs = append(*errs, "iteration: missing or not a number")
		ok = false
	} else if iteration < 0 {
		*errs = append(*errs, "iteration: must be non-negative")
		ok = false
	}

	scale, found := numberField(snapshot, "scale")
	if !found {
		*errs = append(*errs, "scale: missing or not a number")
		ok = false
	} else if scale < 1 {
		*errs = append(*errs, fmt.Sprintf("scale: %v is below the minimum of 1", scale))
		ok = false
	}

	nodeID, found := stringField(snapshot, "nodeId")
	if !found {
		*errs = append(*errs, "nodeId: missing or not a string")
		ok = false
	} else if !strings.Contains(nodeID, NodeMarker) {
		*errs = append(*errs, fmt.Sprintf("nodeId: %q does not carry the %q marker", nodeID, NodeMarker))
		ok = false
	}

	ts, found := numberField(snapshot, "timestamp")
	if !found {
		*errs = append(*errs, "timestamp: missing or not a number")
		ok = false
	} else if ts <= 0 {
		*errs = append(*errs, "timestamp: must be a positive epoch value")
		ok = false
	}

	return ok
}

// checkConsistency validates value ranges and snapshot freshness.
func (g *Gate) checkConsistency(snapshot map[string]any, errs *[]string) bool {
	ok := true

	for _, key := range []string{"successRate", "avgConfidence"} {
		v, found := numberField(snapshot, key)
		if !found || v < 0 || v > 1 {
			*errs = append(*errs, fmt.Sprintf("%s: must be a ratio in [0,1]", key))
			ok = false
		}
	}

	// A negative ROI is suspicious but survivable; record it without failing.
	if roi, found := numberField(snapshot, "avgROI"); found && roi < 0 {
		*errs = append(*errs, fmt.Sprintf("avgROI: negative value %.2f (warning)", roi))
	}

	if ts, found := numberField(snapshot, "timestamp"); found {
		age := g.now().Sub(time.UnixMilli(int64(ts)))
		if age > maxSnapshotAge {
			*errs = append(*errs, fmt.Sprintf("timestamp: snapshot is stale (%s old)", age.Round(time.Second)))
			ok = false
		}
	}

	if iteration, found := numberField(snapshot, "iteration"); found && iteration < 0 {
		*errs = append(*errs, "iteration: negative iteration in consistency check")
		ok = false
	}

	return ok
}

// checkCompliance validates runtime policy: known subsystem, confidence floor
// once the loop has warmed up, no scale regression, versioned model.
func (g *Gate) checkCompliance(snapshot map[string]any, errs *[]string) bool {
	ok := true

	nodeID, _ := stringField(snapshot, "nodeId")
	if !nodeMatchesAllowList(nodeID) {
		*errs = append(*errs, fmt.Sprintf("nodeId: %q is not a known subsystem", nodeID))
		ok = false
	}

	iteration, _ := numberField(snapshot, "iteration")

	if iteration > 5 {
		conf, found := numberField(snapshot, "avgConfidence")
		if !found || conf < 0.70 {
			*errs = append(*errs, fmt.Sprintf("avgConfidence: %.2f is below the 0.70 floor after warmup", conf))
			ok = false
		}
	}

	if iteration > 10 {
		scale, found := numberField(snapshot, "scale")
		if !found || scale < 1 {
			*errs = append(*errs, fmt.Sprintf("scale: regressed below 1 (%.4f) after iteration 10", scale))
			ok = false
		}
	}

	version, found := stringField(snapshot, "modelVersion")
	if !found || !versionPattern.MatchString(version) {
		*errs = append(*errs, fmt.Sprintf("modelVersion: %q does not match major.minor", version))
		ok = false
	}

	return ok
}

// nodeMatchesAllowList reports whether the node id belongs to a known
// subsystem. The comparison uses each entry's prefix before the separator.
func nodeMatchesAllowList(nodeID string) bool {
	if nodeID == "" {
		return false
	}
	for _, entry := range knownSubsystems {
		prefix, _, _ := strings.Cut(entry, "-")
		if strings.Contains(nodeID, prefix) {
			return true
		}
	}
	return false
}

// Attempts returns the total number of snapshots scored.
func (g *Gate) Attempts() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// Passes returns the number of snapshots that passed.
func (g *Gate) Passes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.passes
}

// PassRate returns the fraction of scored snapshots that passed.
func (g *Gate) PassRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempts == 0 {
		return 0
	}
	return float64(g.passes) / float64(g.attempts)
}

// numberField extracts a numeric snapshot field regardless of the concrete
// numeric type the producer used.
func numberField(snapshot map[string]any, key string) (float64, bool) {
	v, ok := snapshot[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func stringField(snapshot map[string]any, key string) (string, bool) {
	v, ok := snapshot[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
