// Package pipeline runs the full analysis sequence for one batch of raw
// signals: normalize, resolve, classify, score, correlate, rescore once,
// generate scenarios, then commit graph and memory together. A run
// commits all or nothing: any fatal failure discards the staged graph
// state and leaves queries reading the previous committed state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/classify"
	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/graph"
	"github.com/tracelight-io/tracelight/pkg/leaselock"
	"github.com/tracelight-io/tracelight/pkg/logger"
	"github.com/tracelight-io/tracelight/pkg/memory"
	"github.com/tracelight-io/tracelight/pkg/normalize"
	"github.com/tracelight-io/tracelight/pkg/resolve"
	"github.com/tracelight-io/tracelight/pkg/risk"
	"github.com/tracelight-io/tracelight/pkg/scenario"
)

// Locker serializes memory writers per fingerprint key.
type Locker interface {
	WithLease(ctx context.Context, fingerprintKey string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

// NopLocker satisfies Locker without any coordination. It is only safe
// when a single process owns the memory store, which is the case for the
// in-memory backend.
type NopLocker struct{}

func (NopLocker) WithLease(ctx context.Context, _ string, _ leaselock.Options, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Pipeline wires the reasoning stages together.
type Pipeline struct {
	cfg      *config.Config
	resolver *resolve.Resolver
	scorer   *risk.Scorer
	engine   *graph.Engine
	memory   *memory.Client
	locker   Locker
}

// New assembles a pipeline. locker may be NopLocker{} for single-process
// deployments.
func New(cfg *config.Config, engine *graph.Engine, mem *memory.Client, locker Locker) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		resolver: resolve.New(cfg),
		scorer:   risk.New(cfg),
		engine:   engine,
		memory:   mem,
		locker:   locker,
	}
}

// Run executes one analysis run. Malformed signals, thin clusters,
// ambiguous resolutions, and unknown categories are recorded in the
// report's error list without aborting; storage failures abort the run
// and roll back everything staged.
func (p *Pipeline) Run(ctx context.Context, runID string, raws []normalize.RawSignal) (common.Report, error) {
	if runID == "" {
		runID = util.NewRunID()
	}
	report := common.Report{RunID: runID, AggregateRisk: map[string]float64{}}
	started := time.Now()

	signals, sigErrs := p.normalizeAll(raws)
	report.Errors = append(report.Errors, sigErrs...)
	if len(signals) == 0 {
		logger.Warn("[Pipeline] No usable signals in run", "run_id", runID, "raw", len(raws))
		return report, nil
	}
	signalIndex := indexSignals(signals)

	entities, issues := p.resolver.Resolve(ctx, signals, p.memory)
	for _, issue := range issues {
		report.Errors = append(report.Errors, common.ReportError{Stage: "resolve", Message: issue.Error()})
	}
	report.Entities = entities
	if len(entities) == 0 {
		return report, nil
	}

	findings, err := p.scoreEntities(ctx, runID, entities, signalIndex, nil)
	if err != nil {
		return report, fmt.Errorf("scoring failed: %w", err)
	}

	edges := p.engine.DeriveEdges(entities, findings, signalIndex)

	findings, err = p.rescoreEscalated(ctx, runID, entities, findings, edges, signalIndex)
	if err != nil {
		return report, fmt.Errorf("rescoring failed: %w", err)
	}
	// Amplification edges depend on final severities.
	edges = p.engine.DeriveEdges(entities, findings, signalIndex)
	report.Findings = findings
	report.GraphDelta = edges

	scenarios, scenarioErrs := scenario.Generate(findings)
	report.Scenarios = scenarios
	for _, serr := range scenarioErrs {
		report.Errors = append(report.Errors, common.ReportError{Stage: "scenario", Message: serr.Error()})
	}

	for _, ent := range entities {
		report.AggregateRisk[ent.ID] = risk.Aggregate(findingsFor(findings, ent.ID))
	}

	if err := p.engine.Ingest(ctx, runID, entities, findings, edges); err != nil {
		p.rollback(ctx, runID)
		return report, err
	}

	updates, err := p.commitMemory(ctx, runID, entities, findings, signalIndex)
	if err != nil {
		p.rollback(ctx, runID)
		return report, fmt.Errorf("memory commit failed, run aborted: %w", err)
	}
	report.MemoryUpdates = updates

	if err := p.engine.Commit(ctx, runID); err != nil {
		p.rollback(ctx, runID)
		return report, fmt.Errorf("graph commit failed, run aborted: %w", err)
	}

	logger.Info("[Pipeline] Run complete",
		"run_id", runID,
		"signals", len(signals),
		"entities", len(entities),
		"findings", len(findings),
		"edges", len(edges),
		"errors", len(report.Errors),
		"took", time.Since(started).Round(time.Millisecond),
	)
	return report, nil
}

func (p *Pipeline) normalizeAll(raws []normalize.RawSignal) ([]common.Signal, []common.ReportError) {
	signals := make([]common.Signal, 0, len(raws))
	var errs []common.ReportError
	for _, raw := range raws {
		sig, err := normalize.Normalize(raw)
		if err != nil {
			errs = append(errs, common.ReportError{Stage: "normalize", Message: err.Error()})
			continue
		}
		signals = append(signals, sig)
	}
	return signals, errs
}

// scoreEntities classifies each entity and scores every category it
// qualifies for. linkedHigh carries per-entity escalation counts; nil
// means read them from the committed graph.
func (p *Pipeline) scoreEntities(ctx context.Context, runID string, entities []common.Entity, signals map[string]common.Signal, linkedHigh map[string]int) ([]common.ExposureFinding, error) {
	if linkedHigh == nil {
		counts, err := p.currentCounts(ctx, entities)
		if err != nil {
			return nil, err
		}
		linkedHigh = counts
	}

	var findings []common.ExposureFinding
	for _, ent := range entities {
		for _, cls := range classify.Classify(ent, signals) {
			finding := p.scorer.Score(risk.Candidate{
				RunID:              runID,
				Entity:             ent,
				Category:           cls.Category,
				Evidence:           cls.Evidence,
				Signals:            signals,
				LinkedHighSeverity: linkedHigh[ent.ID],
			})
			findings = append(findings, finding)
		}
	}
	return findings, nil
}

// rescoreEscalated runs the second scoring pass. Entities whose linked
// high-severity count grew through this run's own edges and findings are
// scored once more; the pass never cascades.
func (p *Pipeline) rescoreEscalated(ctx context.Context, runID string, entities []common.Entity, findings []common.ExposureFinding, edges []common.GraphEdge, signals map[string]common.Signal) ([]common.ExposureFinding, error) {
	prior, err := p.currentCounts(ctx, entities)
	if err != nil {
		return nil, err
	}

	severe := map[string]bool{}
	for _, f := range findings {
		if f.Severity.AtLeastHigh() {
			severe[f.EntityID] = true
		}
	}
	// Count distinct severe neighbors, not edges: two relations between
	// the same pair escalate once.
	gained := map[string]map[string]struct{}{}
	link := func(id, neighbor string) {
		if !severe[neighbor] {
			return
		}
		set := gained[id]
		if set == nil {
			set = map[string]struct{}{}
			gained[id] = set
		}
		set[neighbor] = struct{}{}
	}
	for _, e := range edges {
		link(e.From, e.To)
		link(e.To, e.From)
	}
	now := map[string]int{}
	for id, n := range prior {
		now[id] = n
	}
	for id, set := range gained {
		now[id] += len(set)
	}

	var escalated []common.Entity
	escalatedIDs := map[string]struct{}{}
	for _, ent := range entities {
		if now[ent.ID] > prior[ent.ID] {
			escalated = append(escalated, ent)
			escalatedIDs[ent.ID] = struct{}{}
		}
	}
	if len(escalated) == 0 {
		return findings, nil
	}
	logger.Debug("[Pipeline] Rescoring escalated entities", "count", len(escalated))

	rescored, err := p.scoreEntities(ctx, runID, escalated, signals, now)
	if err != nil {
		return nil, err
	}

	kept := findings[:0]
	for _, f := range findings {
		if _, ok := escalatedIDs[f.EntityID]; !ok {
			kept = append(kept, f)
		}
	}
	kept = append(kept, rescored...)
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].EntityID != kept[j].EntityID {
			return kept[i].EntityID < kept[j].EntityID
		}
		return kept[i].Category < kept[j].Category
	})
	return kept, nil
}

func (p *Pipeline) currentCounts(ctx context.Context, entities []common.Entity) (map[string]int, error) {
	ids := make([]string, 0, len(entities))
	for _, ent := range entities {
		ids = append(ids, ent.ID)
	}
	counts, err := p.engine.EscalationCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// commitMemory folds every resolved entity into agent memory under its
// fingerprint lease. An optimistic version conflict is retried once with
// fresh state; a second conflict aborts the run. Memory commits are
// keyed by run id, so a run requeued after a later failure is a no-op
// here on its second pass.
func (p *Pipeline) commitMemory(ctx context.Context, runID string, entities []common.Entity, findings []common.ExposureFinding, signals map[string]common.Signal) ([]common.MemoryUpdate, error) {
	// Stable lease order avoids deadlocks between concurrent runs.
	ordered := make([]common.Entity, len(entities))
	copy(ordered, entities)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Fingerprint.Key < ordered[j].Fingerprint.Key })

	updates := make([]common.MemoryUpdate, 0, len(ordered))
	for _, ent := range ordered {
		entFindings := findingsFor(findings, ent.ID)
		refs := sourceRefsFor(ent, signals)

		err := p.locker.WithLease(ctx, ent.Fingerprint.Key, leaselock.Options{Wait: true}, func(ctx context.Context) error {
			update, err := p.memory.Commit(ctx, runID, ent, entFindings, refs)
			var conflict *common.PersistenceConflictError
			if errors.As(err, &conflict) {
				logger.Warn("[Pipeline] Memory version conflict, retrying once", "fingerprint", conflict.FingerprintKey)
				update, err = p.memory.Commit(ctx, runID, ent, entFindings, refs)
			}
			if err != nil {
				return err
			}
			updates = append(updates, update)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return updates, nil
}

func (p *Pipeline) rollback(ctx context.Context, runID string) {
	if err := p.engine.Rollback(ctx, runID); err != nil {
		logger.Error("[Pipeline] Rollback failed", "run_id", runID, "error", err)
	}
}

func indexSignals(signals []common.Signal) map[string]common.Signal {
	index := make(map[string]common.Signal, len(signals))
	for _, sig := range signals {
		index[sig.ID] = sig
	}
	return index
}

func findingsFor(findings []common.ExposureFinding, entityID string) []common.ExposureFinding {
	var out []common.ExposureFinding
	for _, f := range findings {
		if f.EntityID == entityID {
			out = append(out, f)
		}
	}
	return out
}

func sourceRefsFor(ent common.Entity, signals map[string]common.Signal) []string {
	seen := map[string]struct{}{}
	var refs []string
	for _, sid := range ent.SignalIDs {
		sig, ok := signals[sid]
		if !ok || sig.SourceRef == "" {
			continue
		}
		if _, dup := seen[sig.SourceRef]; dup {
			continue
		}
		seen[sig.SourceRef] = struct{}{}
		refs = append(refs, sig.SourceRef)
	}
	sort.Strings(refs)
	return refs
}
