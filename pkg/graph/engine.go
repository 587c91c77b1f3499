// Package graph derives correlation edges between resolved entities and
// stages them for atomic ingestion. Edges only ever gain weight during
// ingestion; the only path that lowers or removes an edge is the explicit
// prune operation.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/logger"
	"github.com/tracelight-io/tracelight/pkg/store"
)

// Per-derivation edge weight contributions. Weights accumulate across
// runs in storage, so these are per-evidence increments, not caps.
const (
	coOccurWeight      = 0.5
	sharedAnchorWeight = 0.75
	temporalWeight     = 0.5
)

// Engine derives and persists correlation edges.
type Engine struct {
	store store.GraphStorage
	cfg   config.Config
	now   func() time.Time
}

// New creates a correlation engine over the given graph storage.
func New(storage store.GraphStorage, cfg config.Config) *Engine {
	return &Engine{
		store: storage,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// DeriveEdges computes this run's correlation edges from the resolved
// entities, their findings, and the normalized signals backing them.
// The result is deterministic for a given input set: edges are keyed and
// sorted, and repeated derivation yields the same slice.
func (e *Engine) DeriveEdges(entities []common.Entity, findings []common.ExposureFinding, signals map[string]common.Signal) []common.GraphEdge {
	acc := newEdgeAccumulator(e.now())

	bySource := groupBySource(entities, signals)
	e.deriveCoOccurrence(acc, bySource)
	e.deriveSharedAnchor(acc, bySource, entityTypes(entities))
	e.deriveTemporalSequence(acc, entities, signals)
	e.deriveAmplification(acc, entities, findings)

	return acc.sorted()
}

// Ingest stages a run's entities, findings, and edges. Nothing becomes
// visible to queries until the caller commits the run.
func (e *Engine) Ingest(ctx context.Context, runID string, entities []common.Entity, findings []common.ExposureFinding, edges []common.GraphEdge) error {
	if err := e.store.StageEntities(ctx, runID, entities); err != nil {
		return fmt.Errorf("staging entities failed: %w", err)
	}
	if err := e.store.StageFindings(ctx, runID, findings); err != nil {
		return fmt.Errorf("staging findings failed: %w", err)
	}
	if err := e.store.StageEdges(ctx, runID, edges); err != nil {
		return fmt.Errorf("staging edges failed: %w", err)
	}
	logger.Debug("[Graph] Staged run", "run_id", runID, "entities", len(entities), "findings", len(findings), "edges", len(edges))
	return nil
}

// Commit promotes a staged run into the visible graph.
func (e *Engine) Commit(ctx context.Context, runID string) error {
	return e.store.CommitRun(ctx, runID)
}

// Rollback discards a staged run.
func (e *Engine) Rollback(ctx context.Context, runID string) error {
	return e.store.RollbackRun(ctx, runID)
}

// Query returns the read-consistent neighborhood of an entity.
func (e *Engine) Query(ctx context.Context, entityID string) (store.Subgraph, error) {
	return e.store.Neighborhood(ctx, entityID)
}

// Prune removes weak stale edges per the configured retention policy and
// returns how many were removed.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	staleBefore := e.now().Add(-e.cfg.EdgeStaleAfter)
	n, err := e.store.PruneEdges(ctx, e.cfg.EdgeRetentionWeight, staleBefore)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("[Graph] Pruned edges", "removed", n)
	}
	return n, nil
}

// EscalationCounts reports, for each entity, how many committed
// neighbors carry a high or critical finding. The count feeds the
// correlation factor of risk scoring; it reads only committed state, so
// the current run's own staged edges never influence its first scoring
// pass.
func (e *Engine) EscalationCounts(ctx context.Context, entityIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(entityIDs))
	severe := map[string]bool{}

	for _, id := range entityIDs {
		sub, err := e.store.Neighborhood(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			// First sighting: the entity has no committed graph presence yet.
			counts[id] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		n := 0
		for _, neighbor := range sub.Entities {
			if neighbor.ID == id {
				continue
			}
			isSevere, cached := severe[neighbor.ID]
			if !cached {
				latest, err := e.store.LatestFindings(ctx, neighbor.ID)
				if err != nil {
					return nil, err
				}
				for _, f := range latest {
					if f.Severity.AtLeastHigh() {
						isSevere = true
						break
					}
				}
				severe[neighbor.ID] = isSevere
			}
			if isSevere {
				n++
			}
		}
		counts[id] = n
	}
	return counts, nil
}

// deriveCoOccurrence links every pair of entities backed by the same
// source artifact.
func (e *Engine) deriveCoOccurrence(acc *edgeAccumulator, bySource map[string][]string) {
	for ref, ids := range bySource {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				acc.add(ids[i], ids[j], common.RelationCoOccurs, coOccurWeight, ref, false)
			}
		}
	}
}

// deriveSharedAnchor links pairs of non-anchor entities that co-occur
// with the same device or location entity: two people sharing a device
// fingerprint, or appearing at the same resolved location.
func (e *Engine) deriveSharedAnchor(acc *edgeAccumulator, bySource map[string][]string, types map[string]common.EntityType) {
	// anchor entity id -> entity ids seen alongside it, across sources
	linked := map[string]map[string]struct{}{}
	for _, ids := range bySource {
		for _, anchor := range ids {
			t := types[anchor]
			if t != common.EntityDevice && t != common.EntityLocation {
				continue
			}
			set := linked[anchor]
			if set == nil {
				set = map[string]struct{}{}
				linked[anchor] = set
			}
			for _, other := range ids {
				if other != anchor && types[other] != common.EntityDevice && types[other] != common.EntityLocation {
					set[other] = struct{}{}
				}
			}
		}
	}

	for anchor, set := range linked {
		if len(set) < 2 {
			continue
		}
		relation := common.RelationSameDevice
		if types[anchor] == common.EntityLocation {
			relation = common.RelationSameLocation
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				acc.add(ids[i], ids[j], relation, sharedAnchorWeight, anchor, false)
			}
		}
	}
}

// deriveTemporalSequence emits directed earlier-to-later edges between
// entities whose behavioral signals form a strict time order.
func (e *Engine) deriveTemporalSequence(acc *edgeAccumulator, entities []common.Entity, signals map[string]common.Signal) {
	type stamp struct {
		entityID string
		at       time.Time
		signalID string
	}
	var stamps []stamp
	for _, ent := range entities {
		for _, sid := range ent.SignalIDs {
			sig, ok := signals[sid]
			if !ok {
				continue
			}
			if sig.Kind != common.KindScene && sig.Kind != common.KindTextToken && sig.Kind != common.KindTimestamp {
				continue
			}
			stamps = append(stamps, stamp{entityID: ent.ID, at: sig.Timestamp, signalID: sid})
		}
	}
	sort.Slice(stamps, func(i, j int) bool {
		if !stamps[i].at.Equal(stamps[j].at) {
			return stamps[i].at.Before(stamps[j].at)
		}
		return stamps[i].signalID < stamps[j].signalID
	})
	for i := 1; i < len(stamps); i++ {
		prev, cur := stamps[i-1], stamps[i]
		if prev.entityID == cur.entityID || !prev.at.Before(cur.at) {
			continue
		}
		acc.add(prev.entityID, cur.entityID, common.RelationTemporalSequence, temporalWeight, cur.signalID, true)
	}
}

// deriveAmplification links pairs of already-correlated entities whose
// findings are both high or critical. The weight scales with the product
// of the two risk scores.
func (e *Engine) deriveAmplification(acc *edgeAccumulator, entities []common.Entity, findings []common.ExposureFinding) {
	peak := map[string]float64{}
	for _, f := range findings {
		if !f.Severity.AtLeastHigh() {
			continue
		}
		if f.Score > peak[f.EntityID] {
			peak[f.EntityID] = f.Score
		}
	}
	if len(peak) < 2 {
		return
	}

	for _, key := range acc.keys() {
		edge := acc.edges[key]
		if edge.Relation == common.RelationAmplifies {
			continue
		}
		a, okA := peak[edge.From]
		b, okB := peak[edge.To]
		if !okA || !okB {
			continue
		}
		acc.add(edge.From, edge.To, common.RelationAmplifies, a*b, fmt.Sprintf("%s+%s", edge.From, edge.To), false)
	}
}

type edgeAccumulator struct {
	edges map[string]*common.GraphEdge
	at    time.Time
}

func newEdgeAccumulator(at time.Time) *edgeAccumulator {
	return &edgeAccumulator{edges: map[string]*common.GraphEdge{}, at: at}
}

// add merges an edge contribution. Undirected relations are canonicalized
// so (a,b) and (b,a) land on the same edge.
func (a *edgeAccumulator) add(from, to string, relation common.Relation, weight float64, evidence string, directed bool) {
	if !directed && to < from {
		from, to = to, from
	}
	key := from + "|" + to + "|" + string(relation)
	edge, ok := a.edges[key]
	if !ok {
		edge = &common.GraphEdge{From: from, To: to, Relation: relation, UpdatedAt: a.at}
		a.edges[key] = edge
	}
	edge.Weight += weight
	for _, existing := range edge.DerivedFrom {
		if existing == evidence {
			return
		}
	}
	edge.DerivedFrom = append(edge.DerivedFrom, evidence)
}

func (a *edgeAccumulator) keys() []string {
	keys := make([]string, 0, len(a.edges))
	for k := range a.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *edgeAccumulator) sorted() []common.GraphEdge {
	out := make([]common.GraphEdge, 0, len(a.edges))
	for _, key := range a.keys() {
		edge := *a.edges[key]
		sort.Strings(edge.DerivedFrom)
		out = append(out, edge)
	}
	return out
}

// groupBySource maps each source artifact to the sorted entity ids whose
// signals came from it.
func groupBySource(entities []common.Entity, signals map[string]common.Signal) map[string][]string {
	set := map[string]map[string]struct{}{}
	for _, ent := range entities {
		for _, sid := range ent.SignalIDs {
			sig, ok := signals[sid]
			if !ok || sig.SourceRef == "" {
				continue
			}
			inner := set[sig.SourceRef]
			if inner == nil {
				inner = map[string]struct{}{}
				set[sig.SourceRef] = inner
			}
			inner[ent.ID] = struct{}{}
		}
	}
	out := make(map[string][]string, len(set))
	for ref, ids := range set {
		sorted := make([]string, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Strings(sorted)
		out[ref] = sorted
	}
	return out
}

func entityTypes(entities []common.Entity) map[string]common.EntityType {
	types := make(map[string]common.EntityType, len(entities))
	for _, ent := range entities {
		types[ent.ID] = ent.Type
	}
	return types
}
