// Package config holds the externally overridable tuning surface of the
// reasoning core: risk weights, similarity thresholds, severity cutoffs,
// and maintenance parameters. Every value has a documented default and an
// environment override, so none of them is hardcoded law.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/tracelight-io/tracelight/internal/util"
)

// RiskWeights is the factor weight table of the risk scorer. The five
// weights must sum to 1.
type RiskWeights struct {
	Sensitivity     float64
	Exploitability  float64
	Visibility      float64
	Correlation     float64
	AIAmplification float64
}

// Sum returns the total of all five weights.
func (w RiskWeights) Sum() float64 {
	return w.Sensitivity + w.Exploitability + w.Visibility + w.Correlation + w.AIAmplification
}

// SimilarityThresholds are the per-modality match thresholds of the
// entity resolver.
type SimilarityThresholds struct {
	Face          float64       // cosine similarity for face embeddings
	Voice         float64       // cosine similarity for voice embeddings
	OrgOverlap    float64       // token overlap for organizational mentions
	GeoMeters     float64       // distance window for geolocation clusters
	GeoWindow     time.Duration
	DeviceMaxEdit int           // max edit distance for fuzzy device id match
}

// MemoryParams tune confidence recalibration in agent memory.
type MemoryParams struct {
	// ReinforcementRate scales the corroboration step
	// delta = rate * (cap - confidence) / (1 + observations),
	// which diminishes with every prior observation and never reaches
	// ConfidenceCap.
	ReinforcementRate float64
	ConfidenceCap     float64
	// ContradictionPenalty multiplies confidence when a source flips to
	// a different entity.
	ContradictionPenalty float64
}

// Config is the full tuning surface consumed by the core.
type Config struct {
	Weights    RiskWeights
	Similarity SimilarityThresholds
	Memory     MemoryParams

	// ResolutionEpsilon: memory matches within this similarity of the
	// best match make the resolution ambiguous.
	ResolutionEpsilon float64

	// MinClusterConfidence is the usability floor below which no entity
	// is created from a cluster.
	MinClusterConfidence float64

	// EdgeRetentionWeight and EdgeStaleAfter drive graph pruning.
	EdgeRetentionWeight float64
	EdgeStaleAfter      time.Duration

	// ParallelRuns bounds concurrent run pipelines in the worker.
	ParallelRuns int
}

// Load builds a Config from environment variables, falling back to the
// documented defaults. Weight defaults follow the original engine table.
func Load() *Config {
	return &Config{
		Weights: RiskWeights{
			Sensitivity:     util.GetEnvFloat("RISK_WEIGHT_SENSITIVITY", 0.3),
			Exploitability:  util.GetEnvFloat("RISK_WEIGHT_EXPLOITABILITY", 0.25),
			Visibility:      util.GetEnvFloat("RISK_WEIGHT_VISIBILITY", 0.15),
			Correlation:     util.GetEnvFloat("RISK_WEIGHT_CORRELATION", 0.15),
			AIAmplification: util.GetEnvFloat("RISK_WEIGHT_AI_AMPLIFICATION", 0.15),
		},
		Similarity: SimilarityThresholds{
			Face:          util.GetEnvFloat("SIMILARITY_FACE", 0.85),
			Voice:         util.GetEnvFloat("SIMILARITY_VOICE", 0.80),
			OrgOverlap:    util.GetEnvFloat("SIMILARITY_ORG_OVERLAP", 0.5),
			GeoMeters:     util.GetEnvFloat("SIMILARITY_GEO_METERS", 250),
			GeoWindow:     time.Duration(util.GetEnvInt("SIMILARITY_GEO_WINDOW_MINUTES", 360)) * time.Minute,
			DeviceMaxEdit: util.GetEnvInt("SIMILARITY_DEVICE_MAX_EDIT", 1),
		},
		Memory: MemoryParams{
			ReinforcementRate:    util.GetEnvFloat("MEMORY_REINFORCEMENT_RATE", 0.3),
			ConfidenceCap:        util.GetEnvFloat("MEMORY_CONFIDENCE_CAP", 0.99),
			ContradictionPenalty: util.GetEnvFloat("MEMORY_CONTRADICTION_PENALTY", 0.8),
		},
		ResolutionEpsilon:    util.GetEnvFloat("RESOLUTION_EPSILON", 0.02),
		MinClusterConfidence: util.GetEnvFloat("MIN_CLUSTER_CONFIDENCE", 0.2),
		EdgeRetentionWeight:  util.GetEnvFloat("EDGE_RETENTION_WEIGHT", 0.2),
		EdgeStaleAfter:       time.Duration(util.GetEnvInt("EDGE_STALE_AFTER_DAYS", 30)) * 24 * time.Hour,
		ParallelRuns:         util.GetEnvInt("PARALLEL_RUNS", 4),
	}
}

// Validate rejects configurations that would break scoring invariants.
func (c *Config) Validate() error {
	if diff := math.Abs(c.Weights.Sum() - 1.0); diff > 1e-9 {
		return fmt.Errorf("risk weights must sum to 1, got %.6f", c.Weights.Sum())
	}
	if c.Similarity.Face <= 0 || c.Similarity.Face > 1 {
		return fmt.Errorf("face similarity threshold %.3f out of (0,1]", c.Similarity.Face)
	}
	if c.Similarity.Voice <= 0 || c.Similarity.Voice > 1 {
		return fmt.Errorf("voice similarity threshold %.3f out of (0,1]", c.Similarity.Voice)
	}
	if c.Memory.ConfidenceCap >= 1.0 {
		return fmt.Errorf("memory confidence cap must stay below 1.0, got %.3f", c.Memory.ConfidenceCap)
	}
	if c.Memory.ContradictionPenalty <= 0 || c.Memory.ContradictionPenalty >= 1 {
		return fmt.Errorf("contradiction penalty %.3f out of (0,1)", c.Memory.ContradictionPenalty)
	}
	if c.MinClusterConfidence < 0 || c.MinClusterConfidence >= 1 {
		return fmt.Errorf("min cluster confidence %.3f out of [0,1)", c.MinClusterConfidence)
	}
	if c.ParallelRuns <= 0 {
		return fmt.Errorf("parallel runs must be positive, got %d", c.ParallelRuns)
	}
	return nil
}
