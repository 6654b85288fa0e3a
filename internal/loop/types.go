package loop

import (
	"time"

	"github.com/Ark95x-sAn/n8n-sovereign/internal/artifact"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/learning"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/scaling"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/verify"
)

// Status is the lifecycle tag of one iteration. A record starts as running
// and ends in exactly one terminal status; transitions never go backward.
type Status string

const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusScaled  Status = "scaled"
)

// historyLimit bounds the iteration history; oldest records are evicted
// first.
const historyLimit = 100

// snapshotRecent is how many trailing records a snapshot carries.
const snapshotRecent = 10

// IterationRecord captures everything one tick did. It is mutated only by
// the runner during its own tick and is frozen once appended to history.
type IterationRecord struct {
	ID          int64         `json:"id"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
	Status      Status        `json:"status"`
	Confidence  float64       `json:"confidence"`
	ROI         float64       `json:"roi"`

	Verification verify.Outcome    `json:"verification"`
	Scaling      *scaling.Outcome  `json:"scaling,omitempty"`
	Generation   *artifact.Outcome `json:"generation,omitempty"`
	Learning     *learning.Outcome `json:"learning,omitempty"`
}

// Snapshot is a point-in-time read-only aggregate of the runner. Everything
// in it is a copy; handing it to an external reader exposes no internals.
type Snapshot struct {
	Running       bool          `json:"running"`
	NodeID        string        `json:"nodeId"`
	Iterations    int64         `json:"iterations"`
	Passes        int64         `json:"passes"`
	Failures      int64         `json:"failures"`
	Artifacts     int64         `json:"artifacts"`
	SuccessRate   float64       `json:"successRate"`
	AvgConfidence float64       `json:"avgConfidence"`
	AvgROI        float64       `json:"avgROI"`
	Scale         float64       `json:"scale"`
	ModelVersion  string        `json:"modelVersion"`
	Patterns      int           `json:"patterns"`
	Uptime        time.Duration `json:"uptime"`

	Recent []IterationRecord `json:"recent"`
}
