package pgx

import (
	"context"
	"encoding/json"
	"errors"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/store"
)

// MemoryDBStorage implements store.MemoryStorage on PostgreSQL with
// pgvector similarity for vector-bearing fingerprints.
type MemoryDBStorage struct {
	conn pgxIConn
}

// NewMemoryDBStorage creates a memory store over an existing connection
// or pool.
func NewMemoryDBStorage(conn pgxIConn) *MemoryDBStorage {
	return &MemoryDBStorage{conn: conn}
}

var _ store.MemoryStorage = (*MemoryDBStorage)(nil)

func (s *MemoryDBStorage) Get(ctx context.Context, fingerprintKey string) (common.MemoryRecord, error) {
	row := s.conn.QueryRow(ctx, getRecordSQL, fingerprintKey)
	rec, err := scanRecord(row)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.MemoryRecord{}, common.ErrNotFound
	}
	return rec, err
}

func (s *MemoryDBStorage) Nearest(ctx context.Context, fp common.Fingerprint, limit int) ([]store.ScoredRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	if len(fp.Vector) == 0 {
		rec, err := s.Get(ctx, fp.Key)
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []store.ScoredRecord{{Record: rec, Similarity: 1}}, nil
	}

	rows, err := s.conn.Query(ctx, nearestRecordsSQL, pgvector.NewVector(fp.Vector), fp.Kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScoredRecord
	for rows.Next() {
		rec, sim, err := scanScoredRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, store.ScoredRecord{Record: rec, Similarity: sim})
	}
	return out, rows.Err()
}

// Put stores the record with an optimistic version check: inserts must
// carry version 0, updates must carry the stored version. On mismatch it
// returns *common.PersistenceConflictError and writes nothing.
func (s *MemoryDBStorage) Put(ctx context.Context, rec common.MemoryRecord) error {
	cols, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	var vec *pgvector.Vector
	if len(rec.Fingerprint.Vector) > 0 {
		v := pgvector.NewVector(rec.Fingerprint.Vector)
		vec = &v
	}

	if rec.Version == 0 {
		tag, err := s.conn.Exec(ctx, insertRecordSQL,
			rec.Fingerprint.Key, rec.Fingerprint.Kind, vec, rec.EntityID, rec.Observations,
			cols.sourceRefs, cols.exposures, cols.categories, cols.trace, cols.contradictions,
			rec.LastRunID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &common.PersistenceConflictError{FingerprintKey: rec.Fingerprint.Key}
		}
		return nil
	}

	tag, err := s.conn.Exec(ctx, updateRecordSQL,
		rec.Fingerprint.Key, rec.Version, rec.EntityID, rec.Observations,
		cols.sourceRefs, cols.exposures, cols.categories, cols.trace, cols.contradictions,
		rec.LastRunID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &common.PersistenceConflictError{FingerprintKey: rec.Fingerprint.Key}
	}
	return nil
}

func (s *MemoryDBStorage) FindBySourceRef(ctx context.Context, sourceRef string) ([]common.MemoryRecord, error) {
	ref, err := json.Marshal(sourceRef)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(ctx, findBySourceRefSQL, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type recordColumns struct {
	sourceRefs     []byte
	exposures      []byte
	categories     []byte
	trace          []byte
	contradictions []byte
}

func marshalRecord(rec common.MemoryRecord) (recordColumns, error) {
	var cols recordColumns
	var err error
	if cols.sourceRefs, err = json.Marshal(orEmpty(rec.SourceRefs)); err != nil {
		return cols, err
	}
	if cols.exposures, err = json.Marshal(orEmpty(rec.HistoricalExposures)); err != nil {
		return cols, err
	}
	if cols.categories, err = json.Marshal(orEmptyT(rec.KnownCategories)); err != nil {
		return cols, err
	}
	if cols.trace, err = json.Marshal(orEmptyT(rec.ConfidenceTrace)); err != nil {
		return cols, err
	}
	if cols.contradictions, err = json.Marshal(orEmptyT(rec.Contradictions)); err != nil {
		return cols, err
	}
	return cols, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyT[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanRecord(row rowScanner) (common.MemoryRecord, error) {
	rec, _, err := scanRecordColumns(row, false)
	return rec, err
}

func scanScoredRecord(row rowScanner) (common.MemoryRecord, float64, error) {
	return scanRecordColumns(row, true)
}

func scanRecordColumns(row rowScanner, withSimilarity bool) (common.MemoryRecord, float64, error) {
	var (
		rec            common.MemoryRecord
		vec            *pgvector.Vector
		sourceRefs     []byte
		exposures      []byte
		categories     []byte
		trace          []byte
		contradictions []byte
		sim            float64
	)
	dest := []any{
		&rec.Fingerprint.Key, &rec.Fingerprint.Kind, &vec, &rec.EntityID, &rec.Observations,
		&sourceRefs, &exposures, &categories, &trace, &contradictions, &rec.LastRunID, &rec.Version,
	}
	if withSimilarity {
		dest = append(dest, &sim)
	}
	if err := row.Scan(dest...); err != nil {
		return common.MemoryRecord{}, 0, err
	}
	if vec != nil {
		rec.Fingerprint.Vector = vec.Slice()
	}
	for raw, target := range map[*[]byte]any{
		&sourceRefs:     &rec.SourceRefs,
		&exposures:      &rec.HistoricalExposures,
		&categories:     &rec.KnownCategories,
		&trace:          &rec.ConfidenceTrace,
		&contradictions: &rec.Contradictions,
	} {
		if err := json.Unmarshal(*raw, target); err != nil {
			return common.MemoryRecord{}, 0, err
		}
	}
	return rec, sim, nil
}

const recordColumnsSQL = `fingerprint_key, fingerprint_kind, fingerprint_vec, entity_id, observations,
       source_refs, historical_exposures, known_categories, confidence_trace, contradictions, last_run_id, version`

const getRecordSQL = `
SELECT ` + recordColumnsSQL + `
FROM memory_records WHERE fingerprint_key = $1;
`

const nearestRecordsSQL = `
SELECT ` + recordColumnsSQL + `,
       1 - (fingerprint_vec <=> $1) AS similarity
FROM memory_records
WHERE fingerprint_kind = $2 AND fingerprint_vec IS NOT NULL
ORDER BY fingerprint_vec <=> $1
LIMIT $3;
`

const insertRecordSQL = `
INSERT INTO memory_records (fingerprint_key, fingerprint_kind, fingerprint_vec, entity_id, observations,
                            source_refs, historical_exposures, known_categories, confidence_trace,
                            contradictions, last_run_id, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
ON CONFLICT (fingerprint_key) DO NOTHING;
`

const updateRecordSQL = `
UPDATE memory_records
SET entity_id            = $3,
    observations         = $4,
    source_refs          = $5,
    historical_exposures = $6,
    known_categories     = $7,
    confidence_trace     = $8,
    contradictions       = $9,
    last_run_id          = $10,
    version              = version + 1
WHERE fingerprint_key = $1 AND version = $2;
`

const findBySourceRefSQL = `
SELECT ` + recordColumnsSQL + `
FROM memory_records WHERE source_refs @> $1::jsonb
ORDER BY fingerprint_key;
`
