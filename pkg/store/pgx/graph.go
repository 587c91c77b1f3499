// Package pgx implements the storage contracts on PostgreSQL. Graph
// state stages per run and promotes atomically in one transaction;
// memory records use pgvector for fingerprint similarity and optimistic
// versioning for writes.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/logger"
	"github.com/tracelight-io/tracelight/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphStorage on PostgreSQL.
type GraphDBStorage struct {
	conn pgxIConn
}

// NewGraphDBStorage creates a graph store over an existing connection or
// pool.
func NewGraphDBStorage(conn pgxIConn) *GraphDBStorage {
	return &GraphDBStorage{conn: conn}
}

var _ store.GraphStorage = (*GraphDBStorage)(nil)

func (s *GraphDBStorage) StageEntities(ctx context.Context, runID string, entities []common.Entity) error {
	for _, ent := range entities {
		signalIDs, err := json.Marshal(ent.SignalIDs)
		if err != nil {
			return err
		}
		metadata, err := json.Marshal(ent.Metadata)
		if err != nil {
			return err
		}
		var vec *pgvector.Vector
		if len(ent.Fingerprint.Vector) > 0 {
			v := pgvector.NewVector(ent.Fingerprint.Vector)
			vec = &v
		}
		_, err = s.conn.Exec(ctx, stageEntitySQL,
			runID, ent.ID, string(ent.Type),
			ent.Fingerprint.Kind, ent.Fingerprint.Key, vec,
			signalIDs, ent.FirstSeen, ent.LastSeen, ent.Confidence, ent.Archived, metadata,
		)
		if err != nil {
			return fmt.Errorf("staging entity %s failed: %w", ent.ID, err)
		}
	}
	return nil
}

func (s *GraphDBStorage) StageFindings(ctx context.Context, runID string, findings []common.ExposureFinding) error {
	for _, f := range findings {
		evidence, err := json.Marshal(f.Evidence)
		if err != nil {
			return err
		}
		rationale, err := json.Marshal(f.Rationale)
		if err != nil {
			return err
		}
		_, err = s.conn.Exec(ctx, stageFindingSQL,
			runID, f.ID, f.EntityID, string(f.Category), evidence, string(f.Severity), f.Score, rationale,
		)
		if err != nil {
			return fmt.Errorf("staging finding %s failed: %w", f.ID, err)
		}
	}
	return nil
}

func (s *GraphDBStorage) StageEdges(ctx context.Context, runID string, edges []common.GraphEdge) error {
	for _, e := range edges {
		derived, err := json.Marshal(e.DerivedFrom)
		if err != nil {
			return err
		}
		_, err = s.conn.Exec(ctx, stageEdgeSQL,
			runID, e.From, e.To, string(e.Relation), e.Weight, derived, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("staging edge %s->%s failed: %w", e.From, e.To, err)
		}
	}
	return nil
}

// CommitRun promotes a run's staged rows in a single transaction.
// Entities merge into existing rows (signal union, seen-range widening),
// findings append, and edge weights add onto stored weights.
func (s *GraphDBStorage) CommitRun(ctx context.Context, runID string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, promoteEntitiesSQL, runID); err != nil {
		return fmt.Errorf("promoting entities failed: %w", err)
	}
	if _, err := tx.Exec(ctx, promoteFindingsSQL, runID); err != nil {
		return fmt.Errorf("promoting findings failed: %w", err)
	}
	if _, err := tx.Exec(ctx, promoteEdgesSQL, runID); err != nil {
		return fmt.Errorf("promoting edges failed: %w", err)
	}
	if _, err := tx.Exec(ctx, clearStagedSQL, runID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	logger.Debug("[Store][CommitRun] Run promoted", "run_id", runID)
	return nil
}

func (s *GraphDBStorage) RollbackRun(ctx context.Context, runID string) error {
	_, err := s.conn.Exec(ctx, clearStagedSQL, runID)
	if err == nil {
		logger.Debug("[Store][RollbackRun] Staged run discarded", "run_id", runID)
	}
	return err
}

func (s *GraphDBStorage) GetEntity(ctx context.Context, entityID string) (common.Entity, error) {
	row := s.conn.QueryRow(ctx, getEntitySQL, entityID)
	ent, err := scanEntity(row)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.Entity{}, common.ErrNotFound
	}
	return ent, err
}

func (s *GraphDBStorage) Neighborhood(ctx context.Context, entityID string) (store.Subgraph, error) {
	root, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return store.Subgraph{}, err
	}

	rows, err := s.conn.Query(ctx, neighborhoodEdgesSQL, entityID)
	if err != nil {
		return store.Subgraph{}, err
	}
	edges, err := scanEdges(rows)
	if err != nil {
		return store.Subgraph{}, err
	}

	ids := map[string]struct{}{}
	for _, e := range edges {
		ids[e.From] = struct{}{}
		ids[e.To] = struct{}{}
	}
	delete(ids, entityID)

	entities := []common.Entity{root}
	for id := range ids {
		ent, err := s.GetEntity(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return store.Subgraph{}, err
		}
		entities = append(entities, ent)
	}
	sortEntities(entities)

	return store.Subgraph{Root: entityID, Entities: entities, Edges: edges}, nil
}

func (s *GraphDBStorage) EdgesByRelation(ctx context.Context, relation common.Relation) ([]common.GraphEdge, error) {
	rows, err := s.conn.Query(ctx, edgesByRelationSQL, string(relation))
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func (s *GraphDBStorage) LatestFindings(ctx context.Context, entityID string) ([]common.ExposureFinding, error) {
	rows, err := s.conn.Query(ctx, latestFindingsSQL, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.ExposureFinding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *GraphDBStorage) PruneEdges(ctx context.Context, minWeight float64, staleBefore time.Time) (int, error) {
	tag, err := s.conn.Exec(ctx, pruneEdgesSQL, minWeight, staleBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (common.Entity, error) {
	var (
		ent       common.Entity
		entType   string
		vec       *pgvector.Vector
		signalIDs []byte
		metadata  []byte
	)
	err := row.Scan(
		&ent.ID, &entType,
		&ent.Fingerprint.Kind, &ent.Fingerprint.Key, &vec,
		&signalIDs, &ent.FirstSeen, &ent.LastSeen, &ent.Confidence, &ent.Archived, &metadata,
	)
	if err != nil {
		return common.Entity{}, err
	}
	ent.Type = common.EntityType(entType)
	if vec != nil {
		ent.Fingerprint.Vector = vec.Slice()
	}
	if err := json.Unmarshal(signalIDs, &ent.SignalIDs); err != nil {
		return common.Entity{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ent.Metadata); err != nil {
			return common.Entity{}, err
		}
	}
	return ent, nil
}

func scanEdges(rows pgxv5.Rows) ([]common.GraphEdge, error) {
	defer rows.Close()
	var out []common.GraphEdge
	for rows.Next() {
		var (
			e        common.GraphEdge
			relation string
			derived  []byte
		)
		if err := rows.Scan(&e.From, &e.To, &relation, &e.Weight, &derived, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Relation = common.Relation(relation)
		if err := json.Unmarshal(derived, &e.DerivedFrom); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanFinding(row rowScanner) (common.ExposureFinding, error) {
	var (
		f         common.ExposureFinding
		category  string
		severity  string
		evidence  []byte
		rationale []byte
	)
	err := row.Scan(&f.ID, &f.RunID, &f.EntityID, &category, &evidence, &severity, &f.Score, &rationale)
	if err != nil {
		return common.ExposureFinding{}, err
	}
	f.Category = common.ExposureCategory(category)
	f.Severity = common.Severity(severity)
	if err := json.Unmarshal(evidence, &f.Evidence); err != nil {
		return common.ExposureFinding{}, err
	}
	if err := json.Unmarshal(rationale, &f.Rationale); err != nil {
		return common.ExposureFinding{}, err
	}
	return f, nil
}

// sortEntities orders the neighbors by id, keeping the root at index 0.
func sortEntities(entities []common.Entity) {
	if len(entities) < 3 {
		return
	}
	rest := entities[1:]
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
}

const stageEntitySQL = `
INSERT INTO staged_entities (run_id, id, type, fingerprint_kind, fingerprint_key, fingerprint_vec,
                             signal_ids, first_seen, last_seen, confidence, archived, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (run_id, id) DO UPDATE
SET signal_ids = EXCLUDED.signal_ids,
    first_seen = EXCLUDED.first_seen,
    last_seen  = EXCLUDED.last_seen,
    confidence = EXCLUDED.confidence,
    metadata   = EXCLUDED.metadata;
`

const stageFindingSQL = `
INSERT INTO staged_findings (run_id, id, entity_id, category, evidence, severity, score, rationale)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, id) DO NOTHING;
`

const stageEdgeSQL = `
INSERT INTO staged_edges (run_id, from_id, to_id, relation, weight, derived_from, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id, from_id, to_id, relation) DO UPDATE
SET weight       = EXCLUDED.weight,
    derived_from = EXCLUDED.derived_from,
    updated_at   = EXCLUDED.updated_at;
`

const promoteEntitiesSQL = `
INSERT INTO entities (id, type, fingerprint_kind, fingerprint_key, fingerprint_vec,
                      signal_ids, first_seen, last_seen, confidence, archived, metadata)
SELECT id, type, fingerprint_kind, fingerprint_key, fingerprint_vec,
       signal_ids, first_seen, last_seen, confidence, archived, metadata
FROM staged_entities WHERE run_id = $1
ON CONFLICT (id) DO UPDATE
SET signal_ids = (SELECT jsonb_agg(DISTINCT v)
                  FROM jsonb_array_elements(entities.signal_ids || EXCLUDED.signal_ids) v),
    first_seen = least(entities.first_seen, EXCLUDED.first_seen),
    last_seen  = greatest(entities.last_seen, EXCLUDED.last_seen),
    confidence = EXCLUDED.confidence,
    metadata   = coalesce(entities.metadata, '{}'::jsonb) || coalesce(EXCLUDED.metadata, '{}'::jsonb);
`

const promoteFindingsSQL = `
INSERT INTO findings (id, run_id, entity_id, category, evidence, severity, score, rationale, created_at)
SELECT id, run_id, entity_id, category, evidence, severity, score, rationale, now()
FROM staged_findings WHERE run_id = $1
ON CONFLICT (id) DO NOTHING;
`

const promoteEdgesSQL = `
INSERT INTO edges (from_id, to_id, relation, weight, derived_from, updated_at)
SELECT from_id, to_id, relation, weight, derived_from, updated_at
FROM staged_edges WHERE run_id = $1
ON CONFLICT (from_id, to_id, relation) DO UPDATE
SET weight       = edges.weight + EXCLUDED.weight,
    derived_from = (SELECT jsonb_agg(DISTINCT v)
                    FROM jsonb_array_elements(edges.derived_from || EXCLUDED.derived_from) v),
    updated_at   = EXCLUDED.updated_at;
`

const clearStagedSQL = `
WITH del_e AS (DELETE FROM staged_entities WHERE run_id = $1),
     del_f AS (DELETE FROM staged_findings WHERE run_id = $1)
DELETE FROM staged_edges WHERE run_id = $1;
`

const getEntitySQL = `
SELECT id, type, fingerprint_kind, fingerprint_key, fingerprint_vec,
       signal_ids, first_seen, last_seen, confidence, archived, metadata
FROM entities WHERE id = $1;
`

const neighborhoodEdgesSQL = `
SELECT from_id, to_id, relation, weight, derived_from, updated_at
FROM edges WHERE from_id = $1 OR to_id = $1
ORDER BY from_id, to_id, relation;
`

const edgesByRelationSQL = `
SELECT from_id, to_id, relation, weight, derived_from, updated_at
FROM edges WHERE relation = $1
ORDER BY from_id, to_id;
`

const latestFindingsSQL = `
SELECT DISTINCT ON (category) id, run_id, entity_id, category, evidence, severity, score, rationale
FROM findings WHERE entity_id = $1
ORDER BY category, created_at DESC, id DESC;
`

const pruneEdgesSQL = `
DELETE FROM edges WHERE weight < $1 AND updated_at < $2;
`
