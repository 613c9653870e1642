package model

import "time"

// Reference is the canonical, versioned snapshot of one real-world entity.
// For a given ID, exactly one snapshot is current; prior versions are
// immutable once superseded and live in the store's history table.
type Reference struct {
	ID       string            `json:"id"`
	Model    string            `json:"model"`
	Version  int64             `json:"version"`
	Snapshot Map               `json:"snapshot"` // canonical field path -> materialized value
	Policies map[string]string `json:"policies"` // canonical field path -> policy tag
}

// SourceRecord is one raw observation of an entity from a single source
// system. Records are append-only: the source log is the replay substrate
// and is never rewritten.
type SourceRecord struct {
	ID          string    `json:"id"` // content-addressed, see RecordID
	Source      string    `json:"source"`
	Model       string    `json:"model"`
	ReferenceID string    `json:"reference_id"`
	Fields      Map       `json:"fields"`
	Seq         int64     `json:"seq"` // logical clock, breaks observed-at ties
	ObservedAt  time.Time `json:"observed_at"`
}

// ExternalIDPolicy controls how identity links are derived for a model.
type ExternalIDPolicy string

const (
	// ExternalIDAutoPopulate derives the source key from the model's
	// identifying property. Default.
	ExternalIDAutoPopulate ExternalIDPolicy = "auto"

	// ExternalIDManual requires explicit identifier.external.* entries on
	// the source record; the correlator validates and records them.
	ExternalIDManual ExternalIDPolicy = "manual"

	// ExternalIDDisabled skips correlation entirely for the model.
	ExternalIDDisabled ExternalIDPolicy = "disabled"

	// ExternalIDSourceOnly records that a source contributed to a reference
	// without a per-entity key (source granularity coarser than reference).
	ExternalIDSourceOnly ExternalIDPolicy = "source_only"
)

// ValidExternalIDPolicies enumerates the accepted policy names.
var ValidExternalIDPolicies = map[ExternalIDPolicy]bool{
	ExternalIDAutoPopulate: true,
	ExternalIDManual:       true,
	ExternalIDDisabled:     true,
	ExternalIDSourceOnly:   true,
}

// ExternalIDField returns the canonical field path under which a source
// system's external key is recorded, e.g. "identifier.external.crm".
func ExternalIDField(source string) string {
	return "identifier.external." + source
}

// IdentityLink correlates a source-system key with a canonical reference id.
// Never mutated after creation except to mark superseded when a correlation
// conflict is resolved by an operator; never deleted automatically.
type IdentityLink struct {
	ID          int64            `json:"id"`
	Source      string           `json:"source"`
	SourceKey   string           `json:"source_key"` // empty under SourceOnly
	ReferenceID string           `json:"reference_id"`
	Policy      ExternalIDPolicy `json:"policy"`
	Superseded  bool             `json:"superseded"`
}

// TaskStatus is the lifecycle state of a projection task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ProjectionTask is a unit of scheduled materialization work. The triple
// (ReferenceID, Version, View) is unique: a second enqueue for the same
// triple is a no-op that returns the existing task.
type ProjectionTask struct {
	ID          string     `json:"id"` // UUIDv7
	ReferenceID string     `json:"reference_id"`
	Version     int64      `json:"version"`
	View        string     `json:"view"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	AttemptedAt time.Time  `json:"attempted_at,omitzero"`
}

// Observation is one source-observed value for a single canonical field,
// carried into the materialization engine in deterministic order.
type Observation struct {
	Source     string
	Value      Value
	Seq        int64
	ObservedAt time.Time
}
