package common

import "time"

// Modality identifies which extraction channel produced a signal.
type Modality string

const (
	ModalityImage    Modality = "image"
	ModalityVideo    Modality = "video"
	ModalityAudio    Modality = "audio"
	ModalityMetadata Modality = "metadata"
)

// KnownModalities lists every modality the core accepts. Signals carrying
// anything else are rejected at normalization.
var KnownModalities = []Modality{ModalityImage, ModalityVideo, ModalityAudio, ModalityMetadata}

// Well-known signal kinds. The set is open: extractors may emit kinds the
// core has no special handling for, which then only contribute as
// co-occurrence context.
const (
	KindFace           = "face"
	KindVoiceEmbedding = "voice-embedding"
	KindGPS            = "gps"
	KindDeviceID       = "device-id"
	KindOrgMention     = "org-mention"
	KindTextToken      = "text-token"
	KindScene          = "scene"
	KindTimestamp      = "timestamp"
)

// GeoPoint is a WGS84 coordinate carried by gps signals.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Signal is one normalized observation extracted from a media artifact.
// Exactly one of Embedding, Value, or Location is populated, depending on
// the kind. Signals are immutable once created.
type Signal struct {
	ID        string    `json:"id"`
	Modality  Modality  `json:"modality"`
	Kind      string    `json:"kind"`
	Embedding []float32 `json:"embedding,omitempty"`
	Value     string    `json:"value,omitempty"`
	Location  *GeoPoint `json:"location,omitempty"`
	SourceRef string    `json:"source_ref"`
	Timestamp time.Time `json:"timestamp"`

	// Confidence comes from the upstream extractor. When the extractor did
	// not report one, it is set to DefaultConfidence and
	// ConfidenceDefaulted is true so downstream consumers never mistake
	// the default for a measured value.
	Confidence          float64 `json:"confidence"`
	ConfidenceDefaulted bool    `json:"confidence_defaulted,omitempty"`
}

// DefaultConfidence is the conservative confidence assigned to signals
// whose extractor reported none.
const DefaultConfidence = 0.5

// EntityType classifies the real-world referent an entity stands for.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityDevice       EntityType = "device"
	EntityLocation     EntityType = "location"
)

// Fingerprint is the derived summary used to re-identify an entity across
// runs. Vector-bearing fingerprints (faces, voices) match by cosine
// similarity; the rest match exactly on Key. Key is always populated and
// is the stable storage key for the entity.
type Fingerprint struct {
	Kind   string    `json:"kind"`
	Key    string    `json:"key"`
	Vector []float32 `json:"vector,omitempty"`
}

// Entity is a resolved real-world referent aggregating signals. Entities
// are never deleted, only archived.
type Entity struct {
	ID          string            `json:"id"`
	Type        EntityType        `json:"type"`
	Fingerprint Fingerprint       `json:"fingerprint"`
	SignalIDs   []string          `json:"signal_ids"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	Confidence  float64           `json:"confidence"`
	Archived    bool              `json:"archived,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ExposureCategory is a classification label attached to (entity,
// signal-set) pairs. It has no lifecycle of its own.
type ExposureCategory string

const (
	CategoryBiometricIdentity         ExposureCategory = "biometric_identity"
	CategoryGeolocation               ExposureCategory = "geolocation"
	CategoryOrganizationalAffiliation ExposureCategory = "organizational_affiliation"
	CategoryBehavioralActivity        ExposureCategory = "behavioral_activity"
	CategoryDigitalDevice             ExposureCategory = "digital_device"
	CategoryTemporalPattern           ExposureCategory = "temporal_pattern"
	CategoryVoiceBiometric            ExposureCategory = "voice_biometric"
)

// Severity buckets a risk score. Bucket boundaries are exact:
// LOW < 0.25 <= MEDIUM < 0.5 <= HIGH < 0.75 <= CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AtLeastHigh reports whether s is HIGH or CRITICAL.
func (s Severity) AtLeastHigh() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// RationaleEntry is one factor's contribution to a risk score. Rationales
// are ordered descending by contribution so the top driver is first.
type RationaleEntry struct {
	Factor       string  `json:"factor"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// ExposureFinding is a scored exposure for one entity. Findings are
// immutable within a run; later runs supersede earlier findings for the
// same entity rather than overwrite them.
type ExposureFinding struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	EntityID  string           `json:"entity_id"`
	Category  ExposureCategory `json:"category"`
	Evidence  []string         `json:"evidence"`
	Severity  Severity         `json:"severity"`
	Score     float64          `json:"score"`
	Rationale []RationaleEntry `json:"rationale"`
}

// Relation names the kind of connection a graph edge expresses.
type Relation string

const (
	RelationCoOccurs         Relation = "co-occurs"
	RelationSameDevice       Relation = "same-device"
	RelationSameLocation     Relation = "same-location"
	RelationTemporalSequence Relation = "temporal-sequence"
	RelationAmplifies        Relation = "amplifies"
)

// GraphEdge connects two resolved entities. Weight accumulates evidence
// across runs and never decreases outside an explicit prune.
type GraphEdge struct {
	From        string    `json:"from_entity"`
	To          string    `json:"to_entity"`
	Relation    Relation  `json:"relation"`
	Weight      float64   `json:"weight"`
	DerivedFrom []string  `json:"derived_from"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// ConfidencePoint is one step of an entity's confidence history.
type ConfidencePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// ContradictionEvent records a source that previously resolved to a
// different entity. Contradictions are logged on the record, never
// silently resolved.
type ContradictionEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	SourceRef     string    `json:"source_ref"`
	PriorEntityID string    `json:"prior_entity_id"`
	NewEntityID   string    `json:"new_entity_id"`
}

// MemoryRecord is the persisted cross-run identity state for one
// fingerprint. It is owned exclusively by agent memory and is the only
// state that survives across runs outside the graph itself.
type MemoryRecord struct {
	Fingerprint         Fingerprint          `json:"fingerprint"`
	EntityID            string               `json:"entity_id"`
	Observations        int                  `json:"observations"`
	SourceRefs          []string             `json:"source_refs"`
	HistoricalExposures []string             `json:"historical_exposures"`
	KnownCategories     []ExposureCategory   `json:"known_categories,omitempty"`
	ConfidenceTrace     []ConfidencePoint    `json:"confidence_trace"`
	Contradictions      []ContradictionEvent `json:"contradictions,omitempty"`

	// LastRunID is the run that last folded into this record. Commits
	// are keyed by run, so a requeued run folds in exactly once.
	LastRunID string `json:"last_run_id,omitempty"`

	// Version guards concurrent commits for the same fingerprint.
	Version int64 `json:"-"`
}

// Confidence returns the most recent traced confidence, or 0 when the
// trace is empty.
func (r *MemoryRecord) Confidence() float64 {
	if len(r.ConfidenceTrace) == 0 {
		return 0
	}
	return r.ConfidenceTrace[len(r.ConfidenceTrace)-1].Confidence
}

// Scenario is a static misuse description generated from a finding.
type Scenario struct {
	FindingID  string           `json:"finding_id"`
	Category   ExposureCategory `json:"category"`
	Severity   Severity         `json:"severity"`
	Text       string           `json:"text"`
	Misuse     string           `json:"misuse"`
	Impact     string           `json:"impact"`
	Likelihood string           `json:"likelihood"`
	Evidence   []string         `json:"evidence"`
}

// MemoryUpdate summarizes how a run moved one memory record's confidence.
type MemoryUpdate struct {
	FingerprintKey  string  `json:"fingerprint"`
	ConfidenceDelta float64 `json:"confidence_delta"`
}

// ReportError is a non-fatal error surfaced in the run report.
type ReportError struct {
	Stage    string `json:"stage"`
	SignalID string `json:"signal_id,omitempty"`
	Message  string `json:"message"`
}

// Report is the full output of one analysis run.
type Report struct {
	RunID         string            `json:"run_id"`
	ArtifactRef   string            `json:"artifact_ref,omitempty"`
	Entities      []Entity          `json:"entities"`
	Findings      []ExposureFinding `json:"findings"`
	GraphDelta    []GraphEdge       `json:"graph_delta"`
	Scenarios     []Scenario        `json:"scenarios"`
	MemoryUpdates []MemoryUpdate    `json:"memory_updates"`
	Errors        []ReportError     `json:"errors"`

	// AggregateRisk maps entity id to its aggregate risk across all of
	// the entity's findings in this run.
	AggregateRisk map[string]float64 `json:"aggregate_risk,omitempty"`
}
