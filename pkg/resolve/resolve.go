// Package resolve clusters normalized signals into entities and
// deduplicates them against agent memory, so the same real-world referent
// keeps one identity across artifacts and across runs.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/logger"
	"github.com/tracelight-io/tracelight/pkg/normalize"
)

// RecalledRecord is a memory record scored against a query fingerprint.
type RecalledRecord struct {
	Record     common.MemoryRecord
	Similarity float64
}

// Recaller is the slice of agent memory the resolver needs: candidate
// records for a fingerprint, best match first.
type Recaller interface {
	Candidates(ctx context.Context, fp common.Fingerprint, limit int) ([]RecalledRecord, error)
}

// Resolver clusters signals and resolves them against memory.
type Resolver struct {
	cfg *config.Config
}

// New creates a Resolver with the given tuning configuration.
func New(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// cluster is a candidate entity: signals grouped by modality-specific
// similarity, not yet resolved against memory.
type cluster struct {
	kind    string
	signals []common.Signal
}

// anchorKinds are the signal kinds that can found an entity on their own.
// Everything else only attaches to an anchor through source co-occurrence.
var anchorKinds = map[string]common.EntityType{
	common.KindFace:           common.EntityPerson,
	common.KindVoiceEmbedding: common.EntityPerson,
	common.KindDeviceID:       common.EntityDevice,
	common.KindGPS:            common.EntityLocation,
	common.KindOrgMention:     common.EntityOrganization,
}

// Resolve groups the given signals into entities, consulting memory for
// existing fingerprints. The returned error slice carries non-fatal
// per-cluster issues (*common.InsufficientSignalError,
// *common.AmbiguousResolutionWarning); it never aborts the run.
func (r *Resolver) Resolve(ctx context.Context, signals []common.Signal, mem Recaller) ([]common.Entity, []error) {
	var issues []error

	anchors, auxiliary := partition(signals)
	clusters := r.buildClusters(anchors)
	attachAuxiliary(clusters, auxiliary)

	entities := make([]common.Entity, 0, len(clusters))
	for _, c := range clusters {
		conf := clusterConfidence(c)
		if conf < r.cfg.MinClusterConfidence {
			issues = append(issues, &common.InsufficientSignalError{
				Kind:       c.kind,
				Confidence: conf,
				Floor:      r.cfg.MinClusterConfidence,
			})
			continue
		}

		entity, warn, err := r.resolveCluster(ctx, c, conf, mem)
		if err != nil {
			issues = append(issues, err)
			continue
		}
		if warn != nil {
			issues = append(issues, warn)
		}
		entities = append(entities, entity)
	}

	// Separate clusters can land on the same identity, a location
	// revisited outside the clustering window for instance.
	entities = mergeDuplicates(entities)

	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return entities, issues
}

func mergeDuplicates(entities []common.Entity) []common.Entity {
	index := map[string]int{}
	out := entities[:0]
	for _, ent := range entities {
		i, ok := index[ent.ID]
		if !ok {
			index[ent.ID] = len(out)
			out = append(out, ent)
			continue
		}
		kept := &out[i]
		kept.SignalIDs = unionSorted(kept.SignalIDs, ent.SignalIDs)
		if ent.FirstSeen.Before(kept.FirstSeen) {
			kept.FirstSeen = ent.FirstSeen
		}
		if ent.LastSeen.After(kept.LastSeen) {
			kept.LastSeen = ent.LastSeen
		}
		if ent.Confidence > kept.Confidence {
			kept.Confidence = ent.Confidence
		}
	}
	return out
}

func unionSorted(a, b []string) []string {
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

func partition(signals []common.Signal) (anchors, auxiliary []common.Signal) {
	for _, sig := range signals {
		if _, ok := anchorKinds[sig.Kind]; ok {
			anchors = append(anchors, sig)
		} else {
			auxiliary = append(auxiliary, sig)
		}
	}
	return anchors, auxiliary
}

func (r *Resolver) buildClusters(anchors []common.Signal) []*cluster {
	var clusters []*cluster

	byKind := make(map[string][]common.Signal)
	for _, sig := range anchors {
		byKind[sig.Kind] = append(byKind[sig.Kind], sig)
	}

	// Deterministic kind order keeps entity output stable for tests and
	// for the idempotency guarantee.
	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		group := byKind[kind]
		sort.Slice(group, func(i, j int) bool {
			if !group[i].Timestamp.Equal(group[j].Timestamp) {
				return group[i].Timestamp.Before(group[j].Timestamp)
			}
			return group[i].ID < group[j].ID
		})

		switch kind {
		case common.KindFace:
			clusters = append(clusters, greedyEmbeddingClusters(group, r.cfg.Similarity.Face)...)
		case common.KindVoiceEmbedding:
			clusters = append(clusters, greedyEmbeddingClusters(group, r.cfg.Similarity.Voice)...)
		case common.KindDeviceID:
			clusters = append(clusters, deviceClusters(group, r.cfg.Similarity.DeviceMaxEdit)...)
		case common.KindGPS:
			clusters = append(clusters, geoClusters(group, r.cfg.Similarity.GeoMeters, r.cfg.Similarity.GeoWindow)...)
		case common.KindOrgMention:
			clusters = append(clusters, orgClusters(group, r.cfg.Similarity.OrgOverlap)...)
		}
	}

	return clusters
}

func greedyEmbeddingClusters(group []common.Signal, threshold float64) []*cluster {
	var clusters []*cluster
	for _, sig := range group {
		placed := false
		for _, c := range clusters {
			if Cosine(sig.Embedding, c.centroid()) >= threshold {
				c.signals = append(c.signals, sig)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{kind: sig.Kind, signals: []common.Signal{sig}})
		}
	}
	return clusters
}

func deviceClusters(group []common.Signal, maxEdit int) []*cluster {
	var clusters []*cluster
	for _, sig := range group {
		value := strings.ToLower(strings.TrimSpace(sig.Value))
		placed := false
		for _, c := range clusters {
			existing := strings.ToLower(strings.TrimSpace(c.signals[0].Value))
			if value == existing || EditDistance(value, existing) <= maxEdit {
				c.signals = append(c.signals, sig)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{kind: sig.Kind, signals: []common.Signal{sig}})
		}
	}
	return clusters
}

func geoClusters(group []common.Signal, maxMeters float64, window time.Duration) []*cluster {
	var clusters []*cluster
	for _, sig := range group {
		if sig.Location == nil {
			continue
		}
		placed := false
		for _, c := range clusters {
			lat, lon := c.centroidGeo()
			last := c.signals[len(c.signals)-1].Timestamp
			inWindow := window <= 0 || absDuration(sig.Timestamp.Sub(last)) <= window
			if inWindow && HaversineMeters(sig.Location.Lat, sig.Location.Lon, lat, lon) <= maxMeters {
				c.signals = append(c.signals, sig)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{kind: sig.Kind, signals: []common.Signal{sig}})
		}
	}
	return clusters
}

func orgClusters(group []common.Signal, minOverlap float64) []*cluster {
	var clusters []*cluster
	for _, sig := range group {
		placed := false
		for _, c := range clusters {
			if TokenOverlap(sig.Value, c.signals[0].Value) >= minOverlap {
				c.signals = append(c.signals, sig)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{kind: sig.Kind, signals: []common.Signal{sig}})
		}
	}
	return clusters
}

// attachAuxiliary folds non-anchor signals (scene, text tokens,
// timestamps) into the anchor cluster they co-occur with, preferring the
// highest-confidence cluster in the same artifact. Auxiliary signals
// without any co-occurring anchor found no entity and are dropped.
func attachAuxiliary(clusters []*cluster, auxiliary []common.Signal) {
	for _, sig := range auxiliary {
		var best *cluster
		bestConf := -1.0
		for _, c := range clusters {
			if !sharesSource(c, sig.SourceRef) {
				continue
			}
			if conf := clusterConfidence(c); conf > bestConf {
				best = c
				bestConf = conf
			}
		}
		if best != nil {
			best.signals = append(best.signals, sig)
		} else {
			logger.Debug("[Resolve] Dropping auxiliary signal without co-occurring anchor", "signal", sig.ID, "kind", sig.Kind)
		}
	}
}

func sharesSource(c *cluster, sourceRef string) bool {
	for _, sig := range c.signals {
		if sig.SourceRef == sourceRef {
			return true
		}
	}
	return false
}

// clusterConfidence weights each signal's extractor confidence by the
// reliability of its extraction method, then averages over the anchor
// signals of the cluster.
func clusterConfidence(c *cluster) float64 {
	var sum float64
	count := 0
	for _, sig := range c.signals {
		if sig.Kind != c.kind {
			continue
		}
		sum += sig.Confidence * normalize.ReliabilityFor(sig.Kind)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// recencyWeight is how much a fresh observation moves a remembered
// entity's confidence versus its stored value.
const recencyWeight = 0.6

func (r *Resolver) resolveCluster(ctx context.Context, c *cluster, conf float64, mem Recaller) (common.Entity, error, error) {
	fp := c.Fingerprint()
	now := time.Now().UTC()

	entity := common.Entity{
		Type:        anchorKinds[c.kind],
		Fingerprint: fp,
		SignalIDs:   signalIDs(c),
		FirstSeen:   earliestTimestamp(c, now),
		LastSeen:    latestTimestamp(c, now),
		Confidence:  conf,
	}

	candidates, err := mem.Candidates(ctx, fp, 3)
	if err != nil {
		return common.Entity{}, nil, fmt.Errorf("memory recall failed for fingerprint %q: %w", fp.Key, err)
	}

	threshold := r.matchThreshold(c.kind)
	var matched []RecalledRecord
	for _, cand := range candidates {
		if cand.Similarity >= threshold {
			matched = append(matched, cand)
		}
	}

	if len(matched) == 0 {
		entity.ID = util.DeterministicEntityID(fp.Key)
		return entity, nil, nil
	}

	best := matched[0]
	entity.ID = best.Record.EntityID
	entity.Confidence = recencyWeight*conf + (1-recencyWeight)*best.Record.Confidence()
	if first := recordFirstSeen(best.Record); !first.IsZero() && first.Before(entity.FirstSeen) {
		entity.FirstSeen = first
	}

	var warn error
	if len(matched) > 1 && best.Similarity-matched[1].Similarity <= r.cfg.ResolutionEpsilon {
		ids := make([]string, 0, len(matched))
		for _, m := range matched {
			ids = append(ids, m.Record.EntityID)
		}
		spread := best.Similarity - matched[1].Similarity
		warn = &common.AmbiguousResolutionWarning{FingerprintKey: fp.Key, Candidates: ids, Spread: spread}
		if entity.Metadata == nil {
			entity.Metadata = make(map[string]string)
		}
		entity.Metadata["ambiguous_resolution"] = fmt.Sprintf(
			"matched %s within epsilon %.4f of best candidate", strings.Join(ids[1:], ","), spread)
	}

	return entity, warn, nil
}

func (r *Resolver) matchThreshold(kind string) float64 {
	switch kind {
	case common.KindFace:
		return r.cfg.Similarity.Face
	case common.KindVoiceEmbedding:
		return r.cfg.Similarity.Voice
	case common.KindOrgMention:
		return r.cfg.Similarity.OrgOverlap
	default:
		// Exact key match for device ids and geo cells.
		return 1.0
	}
}

func signalIDs(c *cluster) []string {
	ids := make([]string, 0, len(c.signals))
	for _, sig := range c.signals {
		ids = append(ids, sig.ID)
	}
	sort.Strings(ids)
	return ids
}

func earliestTimestamp(c *cluster, fallback time.Time) time.Time {
	earliest := fallback
	for _, sig := range c.signals {
		if sig.Timestamp.Before(earliest) {
			earliest = sig.Timestamp
		}
	}
	return earliest
}

func latestTimestamp(c *cluster, fallback time.Time) time.Time {
	latest := time.Time{}
	for _, sig := range c.signals {
		if sig.Timestamp.After(latest) {
			latest = sig.Timestamp
		}
	}
	if latest.IsZero() {
		return fallback
	}
	return latest
}

func recordFirstSeen(rec common.MemoryRecord) time.Time {
	if len(rec.ConfidenceTrace) == 0 {
		return time.Time{}
	}
	return rec.ConfidenceTrace[0].Timestamp
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
