// Package store defines the storage contracts the reasoning core depends
// on. The core never touches a concrete storage engine: the graph-capable
// store persists entities, findings, and edges, and the keyed store
// persists agent memory records.
package store

import (
	"context"
	"time"

	"github.com/tracelight-io/tracelight/pkg/common"
)

// Subgraph is the read-consistent neighborhood of one entity: the entity
// itself, every entity connected to it, and the connecting edges. A
// subgraph never reflects a partially ingested run.
type Subgraph struct {
	Root     string             `json:"root"`
	Entities []common.Entity    `json:"entities"`
	Edges    []common.GraphEdge `json:"edges"`
}

// GraphStorage persists and queries the knowledge graph. Writes go
// through a staging area keyed by run id; nothing staged is visible to
// queries until CommitRun promotes it atomically. RollbackRun discards a
// run's staged state, which is how aborted runs leave nothing behind.
//
// Edge weights accumulate: committing an edge that already exists adds
// the staged weight to the stored weight and unions the evidence.
// Weights only ever decrease through PruneEdges.
type GraphStorage interface {
	StageEntities(ctx context.Context, runID string, entities []common.Entity) error
	StageFindings(ctx context.Context, runID string, findings []common.ExposureFinding) error
	StageEdges(ctx context.Context, runID string, edges []common.GraphEdge) error
	CommitRun(ctx context.Context, runID string) error
	RollbackRun(ctx context.Context, runID string) error

	GetEntity(ctx context.Context, entityID string) (common.Entity, error)
	Neighborhood(ctx context.Context, entityID string) (Subgraph, error)
	EdgesByRelation(ctx context.Context, relation common.Relation) ([]common.GraphEdge, error)

	// LatestFindings returns the most recent committed finding per
	// category for the entity. Earlier findings are superseded, never
	// overwritten.
	LatestFindings(ctx context.Context, entityID string) ([]common.ExposureFinding, error)

	// PruneEdges removes committed edges below the weight threshold that
	// have not been reinforced since staleBefore. It returns how many
	// edges were removed. Pruning is periodic maintenance, never part of
	// ingestion.
	PruneEdges(ctx context.Context, minWeight float64, staleBefore time.Time) (int, error)
}

// ScoredRecord is a memory record with its similarity to the queried
// fingerprint.
type ScoredRecord struct {
	Record     common.MemoryRecord
	Similarity float64
}

// MemoryStorage is the keyed store for agent memory records. Vector
// fingerprints match by cosine similarity; everything else matches
// exactly on the fingerprint key with similarity 1.
type MemoryStorage interface {
	Get(ctx context.Context, fingerprintKey string) (common.MemoryRecord, error)
	Nearest(ctx context.Context, fp common.Fingerprint, limit int) ([]ScoredRecord, error)

	// Put stores the record. The record's Version must match the stored
	// version (0 for a new record); otherwise Put returns
	// *common.PersistenceConflictError and stores nothing.
	Put(ctx context.Context, rec common.MemoryRecord) error

	// FindBySourceRef returns every record claiming the given source,
	// used to detect contradictions across entities.
	FindBySourceRef(ctx context.Context, sourceRef string) ([]common.MemoryRecord, error)
}
