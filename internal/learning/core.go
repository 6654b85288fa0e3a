// Package learning maintains the adaptive pattern model. Every tick outcome
// is folded into a bounded set of weighted patterns keyed by a stable feature
// signature; old patterns decay each ingest and the weakest are pruned when
// the set overflows. The model can score new feature sets against what it has
// seen so far.
package learning

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Class tags a pattern with the outcome it was learned from.
type Class string

const (
	ClassSuccess Class = "success"
	ClassFailure Class = "failure"
)

const (
	successBoost  = 0.10
	failureBoost  = 0.15
	successSeed   = 0.60
	failureSeed   = 0.40
	pruneFraction = 0.10
)

// Pattern is one learned association between a feature signature and an
// outcome class. Identity is the derived ID; observing the same feature set
// under the same class only adjusts weight and count.
type Pattern struct {
	ID       string    `json:"id"`
	Class    Class     `json:"class"`
	Features []string  `json:"features"`
	Weight   float64   `json:"weight"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// Outcome reports what one observation did to the model.
type Outcome struct {
	PatternID    string  `json:"patternId"`
	NewPattern   bool    `json:"newPattern"`
	Delta        float64 `json:"delta"`
	ModelVersion string  `json:"modelVersion"`
	PatternCount int     `json:"patternCount"`
}

// Config controls model behavior. Zero values are normalized by New.
type Config struct {
	Capacity  int     // maximum pattern count before pruning (default 500)
	DecayRate float64 // per-ingest weight decay (default 0.99)
}

// Core is the pattern model.
type Core struct {
	mu  sync.Mutex
	cfg Config

	patterns map[string]*Pattern
	ingests  int64

	now func() time.Time
}

// New creates an empty model with normalized configuration.
func New(cfg Config) *Core {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 500
	}
	if cfg.DecayRate <= 0 || cfg.DecayRate > 1 {
		cfg.DecayRate = 0.99
	}
	return &Core{
		cfg:      cfg,
		patterns: make(map[string]*Pattern),
		now:      time.Now,
	}
}

// Observe folds one tick outcome into the model and returns what changed.
func (c *Core) Observe(class Class, data map[string]any, iteration int64) Outcome {
	features := ExtractFeatures(data, iteration)
	id := patternID(class, features)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Age the whole model before applying the new observation.
	for _, p := range c.patterns {
		p.Weight *= c.cfg.DecayRate
	}

	out := Outcome{PatternID: id}

	if p, ok := c.patterns[id]; ok {
		boost := successBoost
		if class == ClassFailure {
			boost = failureBoost
		}
		before := p.Weight
		p.Weight = math.Min(p.Weight+boost, 1.0)
		p.Count++
		p.LastSeen = c.now()
		out.Delta = p.Weight - before
	} else {
		seed := successSeed
		if class == ClassFailure {
			seed = failureSeed
		}
		c.patterns[id] = &Pattern{
			ID:       id,
			Class:    class,
			Features: features,
			Weight:   seed,
			Count:    1,
			LastSeen: c.now(),
		}
		out.NewPattern = true
		out.Delta = seed
		if len(c.patterns) > c.cfg.Capacity {
			c.prune()
		}
	}

	c.ingests++
	out.ModelVersion = c.versionLocked()
	out.PatternCount = len(c.patterns)
	return out
}

// prune evicts the lowest-weighted 10% of patterns.
func (c *Core) prune() {
	all := make([]*Pattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Weight < all[j].Weight })

	evict := int(float64(len(all)) * pruneFraction)
	if evict < 1 {
		evict = 1
	}
	for _, p := range all[:evict] {
		delete(c.patterns, p.ID)
	}
}

// Predict scores a feature set against the model, returning a likelihood of
// success in [0,1]. With no patterns the neutral prior 0.5 is returned.
func (c *Core) Predict(features []string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.patterns) == 0 {
		return 0.5
	}

	var match, totalWeight float64
	for _, p := range c.patterns {
		sim := similarity(p.Features, features)
		if p.Class == ClassSuccess {
			match += p.Weight * sim
		} else {
			match -= 0.5 * p.Weight * sim
		}
		totalWeight += p.Weight
	}

	if totalWeight == 0 {
		totalWeight = 0.5
	}
	likelihood := match/totalWeight + 0.5
	return math.Max(0, math.Min(1, likelihood))
}

// similarity is the feature overlap ratio: intersection size over the larger
// of the two feature lists.
func similarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	overlap := 0
	for _, f := range b {
		if _, ok := set[f]; ok {
			overlap++
		}
	}
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(overlap) / float64(larger)
}

// ModelVersion returns the current major.minor model label. Major advances
// every 100 ingests, minor every 10 within the current major.
func (c *Core) ModelVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionLocked()
}

func (c *Core) versionLocked() string {
	major := 1 + c.ingests/100
	minor := (c.ingests % 100) / 10
	return fmt.Sprintf("%d.%d", major, minor)
}

// PatternCount returns the number of stored patterns.
func (c *Core) PatternCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patterns)
}

// Ingests returns the total observation count.
func (c *Core) Ingests() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ingests
}

// Patterns returns a copy of the stored patterns, strongest first.
func (c *Core) Patterns() []Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Pattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		cp := *p
		cp.Features = append([]string(nil), p.Features...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}

// ExtractFeatures derives the feature list for a tick outcome. Missing fields
// simply omit their descriptor; extraction never fails.
func ExtractFeatures(data map[string]any, iteration int64) []string {
	features := []string{fmt.Sprintf("keys:%d", len(data))}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	features = append(features, "sig:"+strings.Join(keys, "+"))

	if score, ok := numeric(data["score"]); ok {
		switch {
		case score >= 0.9:
			features = append(features, "score:high")
		case score >= 0.7:
			features = append(features, "score:mid")
		default:
			features = append(features, "score:low")
		}
	}

	switch {
	case iteration < 10:
		features = append(features, "phase:warmup")
	case iteration < 50:
		features = append(features, "phase:ramp")
	default:
		features = append(features, "phase:cruise")
	}

	if errs, ok := errorList(data["errors"]); ok {
		features = append(features, fmt.Sprintf("errs:%d", len(errs)))
		if len(errs) > 0 {
			prefix, _, _ := strings.Cut(errs[0], ":")
			features = append(features, "errtype:"+strings.TrimSpace(prefix))
		}
	}

	if scale, ok := numeric(data["scale"]); ok && scale >= 1 {
		bucket := int(math.Floor(math.Log2(scale)))
		features = append(features, fmt.Sprintf("scale:2^%d", bucket))
	}

	return features
}

// patternID derives the stable grouping key for a class + feature set. The
// hash only has to group identical feature sets; no external contract depends
// on the bit pattern.
func patternID(class Class, features []string) string {
	sorted := append([]string(nil), features...)
	sort.Strings(sorted)

	h := fnv.New64a()
	h.Write([]byte(string(class)))
	h.Write([]byte{':'})
	h.Write([]byte(strings.Join(sorted, "|")))
	return fmt.Sprintf("%s-%x", class, h.Sum64())
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func errorList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out, true
	default:
		return nil, false
	}
}
