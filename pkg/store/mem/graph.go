// Package mem provides in-process implementations of the storage
// contracts, used by tests and by embedded single-process deployments.
// Reads return deep copies of committed state only, so a query never
// observes a run in progress.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/store"
)

type edgeKey struct {
	from     string
	to       string
	relation common.Relation
}

type stagedRun struct {
	entities []common.Entity
	findings []common.ExposureFinding
	edges    []common.GraphEdge
}

// GraphStore is the in-memory GraphStorage implementation.
type GraphStore struct {
	mu       sync.RWMutex
	entities map[string]common.Entity
	findings map[string][]common.ExposureFinding
	edges    map[edgeKey]common.GraphEdge
	staged   map[string]*stagedRun
	now      func() time.Time
}

var _ store.GraphStorage = (*GraphStore)(nil)

// NewGraphStore creates an empty in-memory graph store.
func NewGraphStore() *GraphStore {
	return &GraphStore{
		entities: make(map[string]common.Entity),
		findings: make(map[string][]common.ExposureFinding),
		edges:    make(map[edgeKey]common.GraphEdge),
		staged:   make(map[string]*stagedRun),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *GraphStore) stagedFor(runID string) *stagedRun {
	if run, ok := s.staged[runID]; ok {
		return run
	}
	run := &stagedRun{}
	s.staged[runID] = run
	return run
}

func (s *GraphStore) StageEntities(ctx context.Context, runID string, entities []common.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.stagedFor(runID)
	run.entities = append(run.entities, copyEntities(entities)...)
	return nil
}

func (s *GraphStore) StageFindings(ctx context.Context, runID string, findings []common.ExposureFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.stagedFor(runID)
	run.findings = append(run.findings, copyFindings(findings)...)
	return nil
}

func (s *GraphStore) StageEdges(ctx context.Context, runID string, edges []common.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.stagedFor(runID)
	run.edges = append(run.edges, copyEdges(edges)...)
	return nil
}

// CommitRun promotes a run's staged state into the committed graph in one
// critical section. Entities merge by id (signal union, last_seen
// forward), edge weights accumulate additively.
func (s *GraphStore) CommitRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.staged[runID]
	if !ok {
		return nil
	}
	delete(s.staged, runID)

	for _, entity := range run.entities {
		if existing, ok := s.entities[entity.ID]; ok {
			entity.SignalIDs = unionStrings(existing.SignalIDs, entity.SignalIDs)
			if existing.FirstSeen.Before(entity.FirstSeen) {
				entity.FirstSeen = existing.FirstSeen
			}
			if existing.LastSeen.After(entity.LastSeen) {
				entity.LastSeen = existing.LastSeen
			}
		}
		s.entities[entity.ID] = entity
	}

	for _, finding := range run.findings {
		s.findings[finding.EntityID] = append(s.findings[finding.EntityID], finding)
	}

	now := s.now()
	for _, edge := range run.edges {
		key := edgeKey{from: edge.From, to: edge.To, relation: edge.Relation}
		if existing, ok := s.edges[key]; ok {
			edge.Weight += existing.Weight
			edge.DerivedFrom = unionStrings(existing.DerivedFrom, edge.DerivedFrom)
		}
		edge.UpdatedAt = now
		s.edges[key] = edge
	}

	return nil
}

func (s *GraphStore) RollbackRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, runID)
	return nil
}

func (s *GraphStore) GetEntity(ctx context.Context, entityID string) (common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[entityID]
	if !ok {
		return common.Entity{}, common.ErrNotFound
	}
	return copyEntity(entity), nil
}

func (s *GraphStore) Neighborhood(ctx context.Context, entityID string) (store.Subgraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := store.Subgraph{Root: entityID}
	seen := map[string]struct{}{}

	appendEntity := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if entity, ok := s.entities[id]; ok {
			sub.Entities = append(sub.Entities, copyEntity(entity))
		}
	}

	appendEntity(entityID)
	for key, edge := range s.edges {
		if key.from != entityID && key.to != entityID {
			continue
		}
		sub.Edges = append(sub.Edges, copyEdge(edge))
		appendEntity(key.from)
		appendEntity(key.to)
	}

	sort.Slice(sub.Entities, func(i, j int) bool { return sub.Entities[i].ID < sub.Entities[j].ID })
	sort.Slice(sub.Edges, func(i, j int) bool {
		if sub.Edges[i].From != sub.Edges[j].From {
			return sub.Edges[i].From < sub.Edges[j].From
		}
		if sub.Edges[i].To != sub.Edges[j].To {
			return sub.Edges[i].To < sub.Edges[j].To
		}
		return sub.Edges[i].Relation < sub.Edges[j].Relation
	})
	return sub, nil
}

func (s *GraphStore) EdgesByRelation(ctx context.Context, relation common.Relation) ([]common.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []common.GraphEdge
	for key, edge := range s.edges {
		if key.relation == relation {
			edges = append(edges, copyEdge(edge))
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges, nil
}

func (s *GraphStore) LatestFindings(ctx context.Context, entityID string) ([]common.ExposureFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Committed findings are appended in run order, so the last finding
	// per category is the superseding one.
	latest := make(map[common.ExposureCategory]common.ExposureFinding)
	for _, finding := range s.findings[entityID] {
		latest[finding.Category] = finding
	}

	out := make([]common.ExposureFinding, 0, len(latest))
	for _, finding := range latest {
		out = append(out, copyFinding(finding))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *GraphStore) PruneEdges(ctx context.Context, minWeight float64, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for key, edge := range s.edges {
		if edge.Weight < minWeight && edge.UpdatedAt.Before(staleBefore) {
			delete(s.edges, key)
			pruned++
		}
	}
	return pruned, nil
}

func unionStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func copyEntity(e common.Entity) common.Entity {
	e.SignalIDs = append([]string(nil), e.SignalIDs...)
	e.Fingerprint.Vector = append([]float32(nil), e.Fingerprint.Vector...)
	if e.Metadata != nil {
		metadata := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			metadata[k] = v
		}
		e.Metadata = metadata
	}
	return e
}

func copyEntities(entities []common.Entity) []common.Entity {
	out := make([]common.Entity, 0, len(entities))
	for _, e := range entities {
		out = append(out, copyEntity(e))
	}
	return out
}

func copyFinding(f common.ExposureFinding) common.ExposureFinding {
	f.Evidence = append([]string(nil), f.Evidence...)
	f.Rationale = append([]common.RationaleEntry(nil), f.Rationale...)
	return f
}

func copyFindings(findings []common.ExposureFinding) []common.ExposureFinding {
	out := make([]common.ExposureFinding, 0, len(findings))
	for _, f := range findings {
		out = append(out, copyFinding(f))
	}
	return out
}

func copyEdge(e common.GraphEdge) common.GraphEdge {
	e.DerivedFrom = append([]string(nil), e.DerivedFrom...)
	return e
}

func copyEdges(edges []common.GraphEdge) []common.GraphEdge {
	out := make([]common.GraphEdge, 0, len(edges))
	for _, e := range edges {
		out = append(out, copyEdge(e))
	}
	return out
}
