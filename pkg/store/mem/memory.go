package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/resolve"
	"github.com/tracelight-io/tracelight/pkg/store"
)

// MemoryStore is the in-memory MemoryStorage implementation. Vector
// fingerprints are matched by linear cosine scan, which is fine for the
// record counts a single process holds.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]common.MemoryRecord
}

var _ store.MemoryStorage = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]common.MemoryRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprintKey string) (common.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fingerprintKey]
	if !ok {
		return common.MemoryRecord{}, common.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Nearest(ctx context.Context, fp common.Fingerprint, limit int) ([]store.ScoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []store.ScoredRecord
	if len(fp.Vector) == 0 {
		if rec, ok := s.records[fp.Key]; ok {
			scored = append(scored, store.ScoredRecord{Record: copyRecord(rec), Similarity: 1})
		}
		return scored, nil
	}

	for _, rec := range s.records {
		if rec.Fingerprint.Kind != fp.Kind || len(rec.Fingerprint.Vector) == 0 {
			continue
		}
		sim := resolve.Cosine(fp.Vector, rec.Fingerprint.Vector)
		scored = append(scored, store.ScoredRecord{Record: copyRecord(rec), Similarity: sim})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.Fingerprint.Key < scored[j].Record.Fingerprint.Key
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec common.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.Fingerprint.Key]
	if ok && existing.Version != rec.Version {
		return &common.PersistenceConflictError{FingerprintKey: rec.Fingerprint.Key}
	}
	if !ok && rec.Version != 0 {
		return &common.PersistenceConflictError{FingerprintKey: rec.Fingerprint.Key}
	}

	rec.Version++
	s.records[rec.Fingerprint.Key] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) FindBySourceRef(ctx context.Context, sourceRef string) ([]common.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.MemoryRecord
	for _, rec := range s.records {
		for _, ref := range rec.SourceRefs {
			if ref == sourceRef {
				out = append(out, copyRecord(rec))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint.Key < out[j].Fingerprint.Key })
	return out, nil
}

func copyRecord(rec common.MemoryRecord) common.MemoryRecord {
	rec.Fingerprint.Vector = append([]float32(nil), rec.Fingerprint.Vector...)
	rec.SourceRefs = append([]string(nil), rec.SourceRefs...)
	rec.HistoricalExposures = append([]string(nil), rec.HistoricalExposures...)
	rec.KnownCategories = append([]common.ExposureCategory(nil), rec.KnownCategories...)
	rec.ConfidenceTrace = append([]common.ConfidencePoint(nil), rec.ConfidenceTrace...)
	rec.Contradictions = append([]common.ContradictionEvent(nil), rec.Contradictions...)
	return rec
}
