// Package memory is the agent's cross-run identity state. It is the
// single source of truth for which fingerprint belongs to which entity:
// no other component persists identity decisions. Repeated corroboration
// raises a record's confidence with diminishing returns; contradictions
// lower it and are logged on the record, never silently resolved.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/logger"
	"github.com/tracelight-io/tracelight/pkg/resolve"
	"github.com/tracelight-io/tracelight/pkg/store"
)

// Client wraps a MemoryStorage with the recalibration rules.
type Client struct {
	store  store.MemoryStorage
	params config.MemoryParams
	now    func() time.Time
}

// New creates a memory client.
func New(storage store.MemoryStorage, params config.MemoryParams) *Client {
	return &Client{
		store:  storage,
		params: params,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Candidates implements resolve.Recaller: scored memory records for a
// fingerprint, best match first.
func (c *Client) Candidates(ctx context.Context, fp common.Fingerprint, limit int) ([]resolve.RecalledRecord, error) {
	scored, err := c.store.Nearest(ctx, fp, limit)
	if err != nil {
		return nil, err
	}
	out := make([]resolve.RecalledRecord, 0, len(scored))
	for _, s := range scored {
		out = append(out, resolve.RecalledRecord{Record: s.Record, Similarity: s.Similarity})
	}
	return out, nil
}

// Recall returns the record for a fingerprint key, reporting whether one
// exists.
func (c *Client) Recall(ctx context.Context, fingerprintKey string) (common.MemoryRecord, bool, error) {
	rec, err := c.store.Get(ctx, fingerprintKey)
	if errors.Is(err, common.ErrNotFound) {
		return common.MemoryRecord{}, false, nil
	}
	if err != nil {
		return common.MemoryRecord{}, false, err
	}
	return rec, true, nil
}

// Commit folds a resolved entity, its findings, and the source refs of
// its supporting signals into memory and returns the resulting
// confidence delta. Commits are keyed by run: a record that already
// absorbed this run is left untouched, so a requeued run does not
// corroborate itself. The caller holds the per-fingerprint write lease;
// Commit still verifies the record version and surfaces
// *common.PersistenceConflictError on a concurrent write.
func (c *Client) Commit(ctx context.Context, runID string, entity common.Entity, findings []common.ExposureFinding, sourceRefs []string) (common.MemoryUpdate, error) {
	key := entity.Fingerprint.Key
	now := c.now()

	rec, found, err := c.Recall(ctx, key)
	if err != nil {
		return common.MemoryUpdate{}, fmt.Errorf("memory recall for commit failed: %w", err)
	}
	if found && rec.LastRunID == runID {
		logger.Debug("[Memory] Run already folded in, skipping", "fingerprint", key, "run_id", runID)
		return common.MemoryUpdate{FingerprintKey: key}, nil
	}

	var delta float64
	if !found {
		rec = common.MemoryRecord{
			Fingerprint: entity.Fingerprint,
			EntityID:    entity.ID,
		}
		delta = entity.Confidence
		rec.ConfidenceTrace = append(rec.ConfidenceTrace, common.ConfidencePoint{Timestamp: now, Confidence: entity.Confidence})
	} else {
		prior := rec.Confidence()
		next := prior
		if corroborates(rec, findings) {
			// Diminishing step toward the cap: the more observations a
			// record has, the less a new corroboration moves it. The cap
			// is strictly below 1, so confidence never reaches certainty
			// by formula.
			next = prior + c.params.ReinforcementRate*(c.params.ConfidenceCap-prior)/float64(1+rec.Observations)
		}
		delta = next - prior
		rec.ConfidenceTrace = append(rec.ConfidenceTrace, common.ConfidencePoint{Timestamp: now, Confidence: next})
	}

	rec.Observations++
	rec.LastRunID = runID
	rec.SourceRefs = unionRefs(rec.SourceRefs, sourceRefs)
	for _, finding := range findings {
		rec.HistoricalExposures = append(rec.HistoricalExposures, finding.ID)
		rec.KnownCategories = appendCategory(rec.KnownCategories, finding.Category)
	}

	if err := c.store.Put(ctx, rec); err != nil {
		return common.MemoryUpdate{}, err
	}

	if err := c.recordContradictions(ctx, entity, sourceRefs); err != nil {
		return common.MemoryUpdate{}, err
	}

	return common.MemoryUpdate{FingerprintKey: key, ConfidenceDelta: delta}, nil
}

// recordContradictions finds records that previously claimed one of this
// entity's sources under a different identity of the same fingerprint
// kind, lowers their confidence, and logs the contradiction event on
// them. Claimants of other kinds sharing a source are ordinary
// co-occurrence (one artifact carrying a face and a location) and are
// left alone; only an identity flip within the same modality
// contradicts.
func (c *Client) recordContradictions(ctx context.Context, entity common.Entity, sourceRefs []string) error {
	now := c.now()
	seen := map[string]struct{}{}

	for _, ref := range sourceRefs {
		claimants, err := c.store.FindBySourceRef(ctx, ref)
		if err != nil {
			return err
		}
		for _, claimant := range claimants {
			if claimant.EntityID == entity.ID {
				continue
			}
			if claimant.Fingerprint.Kind != entity.Fingerprint.Kind {
				continue
			}
			if hasContradiction(claimant, ref, entity.ID) {
				continue
			}
			if _, done := seen[claimant.Fingerprint.Key]; done {
				continue
			}
			seen[claimant.Fingerprint.Key] = struct{}{}

			prior := claimant.Confidence()
			lowered := prior * c.params.ContradictionPenalty
			claimant.ConfidenceTrace = append(claimant.ConfidenceTrace, common.ConfidencePoint{Timestamp: now, Confidence: lowered})
			claimant.Contradictions = append(claimant.Contradictions, common.ContradictionEvent{
				Timestamp:     now,
				SourceRef:     ref,
				PriorEntityID: claimant.EntityID,
				NewEntityID:   entity.ID,
			})

			logger.Warn("[Memory] Contradiction recorded",
				"source_ref", ref,
				"prior_entity", claimant.EntityID,
				"new_entity", entity.ID,
				"confidence", fmt.Sprintf("%.3f->%.3f", prior, lowered),
			)

			if err := c.store.Put(ctx, claimant); err != nil {
				return err
			}
		}
	}
	return nil
}

// hasContradiction reports whether the claimant already logged this
// exact reassignment. Repeated reassertions and replayed runs penalize
// once.
func hasContradiction(rec common.MemoryRecord, sourceRef, newEntityID string) bool {
	for _, ev := range rec.Contradictions {
		if ev.SourceRef == sourceRef && ev.NewEntityID == newEntityID {
			return true
		}
	}
	return false
}

// corroborates reports whether the new findings repeat a category the
// record has seen before.
func corroborates(rec common.MemoryRecord, findings []common.ExposureFinding) bool {
	known := make(map[common.ExposureCategory]struct{}, len(rec.KnownCategories))
	for _, cat := range rec.KnownCategories {
		known[cat] = struct{}{}
	}
	for _, finding := range findings {
		if _, ok := known[finding.Category]; ok {
			return true
		}
	}
	return false
}

func unionRefs(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := set[v]; !ok {
			set[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			set[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func appendCategory(categories []common.ExposureCategory, cat common.ExposureCategory) []common.ExposureCategory {
	for _, existing := range categories {
		if existing == cat {
			return categories
		}
	}
	return append(categories, cat)
}
