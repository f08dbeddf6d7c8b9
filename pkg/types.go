package pkg

import (
	"time"
)

// Core types shared across the workflow substrate.

// WorkflowVariant selects which graph topology a session runs.
type WorkflowVariant string

const (
	VariantStandard        WorkflowVariant = "STANDARD"
	VariantHistoryEnhanced WorkflowVariant = "HISTORY_ENHANCED"
)

// SessionStatus is the lifecycle state of one workflow run.
type SessionStatus string

const (
	SessionInitialized SessionStatus = "INITIALIZED"
	SessionRunning     SessionStatus = "RUNNING"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionFailed      SessionStatus = "FAILED"
)

// Session represents one workflow run. A session is owned exclusively
// by the executor for its lifetime; terminal status is set exactly once.
type Session struct {
	ID             string          `json:"id"`
	Variant        WorkflowVariant `json:"workflow_variant"`
	Status         SessionStatus   `json:"status"`
	RetryExhausted bool            `json:"retry_exhausted"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	LastNode       string          `json:"last_node,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Fields is the loosely-typed state bag shared across nodes. Values are
// treated as opaque; nodes declare which field names they read and write.
type Fields map[string]any

// Clone returns a shallow copy. Values are never mutated in place by the
// substrate, so a shallow copy is enough to keep prior versions intact.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// StateVersion is an immutable snapshot of the shared workflow state
// after one node executed. Versions are append-only per session; sequence
// numbers start at 0 and increase with no gaps.
type StateVersion struct {
	SessionID  string    `json:"session_id"`
	Sequence   int64     `json:"sequence_number"`
	Fields     Fields    `json:"fields"`
	ProducedBy string    `json:"produced_by"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExecStatus is the outcome of a single node invocation attempt.
type ExecStatus string

const (
	ExecSuccess  ExecStatus = "SUCCESS"
	ExecFailure  ExecStatus = "FAILURE"
	ExecCacheHit ExecStatus = "CACHE_HIT"
)

// NodeExecutionRecord is one row per node invocation attempt. Records are
// never mutated after creation; they feed debugging, cache statistics and
// retry accounting.
type NodeExecutionRecord struct {
	SessionID string        `json:"session_id"`
	NodeName  string        `json:"node_name"`
	Attempt   int           `json:"attempt_number"`
	Status    ExecStatus    `json:"status"`
	Duration  time.Duration `json:"duration"`
	ErrorKind string        `json:"error_kind,omitempty"`
	CacheKey  string        `json:"cache_key,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// QualityDimension names one axis of the testcase quality evaluation.
type QualityDimension string

const (
	DimCompleteness  QualityDimension = "COMPLETENESS"
	DimPrecision     QualityDimension = "PRECISION"
	DimExecutability QualityDimension = "EXECUTABILITY"
	DimCoverage      QualityDimension = "COVERAGE"
)

// Suggestion is one improvement item from the evaluation node, tagged
// with the artifact it refers to.
type Suggestion struct {
	Artifact string `json:"artifact"`
	Message  string `json:"message"`
}

// QualityReport is the output of the evaluation node. It is produced
// fresh on every evaluation; the retry controller consumes only the
// overall score and the suggestions.
type QualityReport struct {
	OverallScore    float64                      `json:"overall_score"`
	DimensionScores map[QualityDimension]float64 `json:"dimension_scores"`
	Suggestions     []Suggestion                 `json:"suggestions"`
}

// CacheTier is one of three TTL/latency classes. L1 is fastest and
// shortest-lived, L3 slowest and longest-lived.
type CacheTier string

const (
	TierL1 CacheTier = "L1"
	TierL2 CacheTier = "L2"
	TierL3 CacheTier = "L3"
)

// CacheEntry is one cached task result.
type CacheEntry struct {
	Key            string    `json:"key"`
	Value          []byte    `json:"value"`
	Tier           CacheTier `json:"tier"`
	TTLSeconds     int       `json:"ttl_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	HitCount       int64     `json:"hit_count"`
}

// RetryState is the per-session loop counter owned by the retry
// controller. It is reset when a session enters the loop and discarded
// when the loop exits.
type RetryState struct {
	Attempt          int     `json:"attempt"`
	LastQualityScore float64 `json:"last_quality_score"`
	NextDelaySeconds float64 `json:"next_delay_seconds"`
}

// Decision tells the executor whether to take the loop edge back into
// the optimize branch. Delay is advisory backpressure; the executor is
// responsible for actually waiting.
type Decision struct {
	Continue bool          `json:"continue"`
	Delay    time.Duration `json:"delay"`
}
