// Package risk turns classified exposures into explainable, reproducible
// severity scores. A score is a weighted sum over five factors; the same
// evidence under the same weight table always produces the same score.
package risk

import (
	"sort"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/common"
)

// Factor names as they appear in finding rationales.
const (
	FactorSensitivity     = "sensitivity"
	FactorExploitability  = "exploitability"
	FactorVisibility      = "visibility"
	FactorCorrelation     = "correlation"
	FactorAIAmplification = "ai_amplification"
)

// categoryBase holds the per-category base factor values. Visibility and
// correlation are computed from evidence, not from this table.
type categoryBase struct {
	sensitivity     float64
	exploitability  float64
	aiAmplification float64
}

var categoryBases = map[common.ExposureCategory]categoryBase{
	common.CategoryBiometricIdentity:         {sensitivity: 1.0, exploitability: 0.9, aiAmplification: 1.0},
	common.CategoryVoiceBiometric:            {sensitivity: 0.95, exploitability: 0.85, aiAmplification: 1.0},
	common.CategoryGeolocation:               {sensitivity: 0.9, exploitability: 0.8, aiAmplification: 0.6},
	common.CategoryOrganizationalAffiliation: {sensitivity: 0.8, exploitability: 0.8, aiAmplification: 0.7},
	common.CategoryBehavioralActivity:        {sensitivity: 0.6, exploitability: 0.5, aiAmplification: 0.5},
	common.CategoryDigitalDevice:             {sensitivity: 0.7, exploitability: 0.75, aiAmplification: 0.4},
	common.CategoryTemporalPattern:           {sensitivity: 0.65, exploitability: 0.6, aiAmplification: 0.45},
}

var defaultBase = categoryBase{sensitivity: 0.5, exploitability: 0.5, aiAmplification: 0.5}

// Candidate is a classified exposure awaiting a score.
type Candidate struct {
	RunID    string
	Entity   common.Entity
	Category common.ExposureCategory
	Evidence []string
	Signals  map[string]common.Signal

	// LinkedHighSeverity is how many graph-linked entities carry
	// independently computed HIGH or CRITICAL findings from prior runs.
	// It feeds the correlation factor's escalation effect and is never
	// derived from this run's own synchronous pass for this entity.
	LinkedHighSeverity int
}

// Scorer computes findings under a fixed weight configuration.
type Scorer struct {
	weights config.RiskWeights
}

// New creates a Scorer from the configured weight table.
func New(cfg *config.Config) *Scorer {
	return &Scorer{weights: cfg.Weights}
}

// Score produces an ExposureFinding for the candidate. The rationale
// lists every factor's normalized value and weighted contribution,
// descending by contribution, so the top risk driver is always first.
func (s *Scorer) Score(c Candidate) common.ExposureFinding {
	base, ok := categoryBases[c.Category]
	if !ok {
		base = defaultBase
	}

	sensitivity := base.sensitivity
	exploitability := base.exploitability
	visibility := meanEvidenceConfidence(c)
	correlation := correlationFactor(c)
	amplification := amplificationFactor(c, base.aiAmplification)

	entries := []common.RationaleEntry{
		{Factor: FactorSensitivity, Value: sensitivity, Contribution: sensitivity * s.weights.Sensitivity},
		{Factor: FactorExploitability, Value: exploitability, Contribution: exploitability * s.weights.Exploitability},
		{Factor: FactorVisibility, Value: visibility, Contribution: visibility * s.weights.Visibility},
		{Factor: FactorCorrelation, Value: correlation, Contribution: correlation * s.weights.Correlation},
		{Factor: FactorAIAmplification, Value: amplification, Contribution: amplification * s.weights.AIAmplification},
	}

	var score float64
	for _, e := range entries {
		score += e.Contribution
	}
	score = clamp01(score)

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Contribution != entries[j].Contribution {
			return entries[i].Contribution > entries[j].Contribution
		}
		return entries[i].Factor < entries[j].Factor
	})

	evidence := append([]string(nil), c.Evidence...)
	sort.Strings(evidence)

	return common.ExposureFinding{
		ID:        util.NewFindingID(),
		RunID:     c.RunID,
		EntityID:  c.Entity.ID,
		Category:  c.Category,
		Evidence:  evidence,
		Score:     score,
		Severity:  SeverityFor(score),
		Rationale: entries,
	}
}

// SeverityFor buckets a score. Boundaries are exact: 0.25 is MEDIUM,
// 0.5 is HIGH, 0.75 is CRITICAL.
func SeverityFor(score float64) common.Severity {
	switch {
	case score >= 0.75:
		return common.SeverityCritical
	case score >= 0.5:
		return common.SeverityHigh
	case score >= 0.25:
		return common.SeverityMedium
	default:
		return common.SeverityLow
	}
}

// Aggregate folds an entity's finding scores into one aggregate risk.
// The result is never below the highest individual score: each further
// finding closes a fraction of the remaining headroom.
func Aggregate(findings []common.ExposureFinding) float64 {
	if len(findings) == 0 {
		return 0
	}
	scores := make([]float64, 0, len(findings))
	for _, f := range findings {
		scores = append(scores, f.Score)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	agg := scores[0]
	for _, s := range scores[1:] {
		agg += (1 - agg) * 0.3 * s
	}
	return clamp01(agg)
}

// meanEvidenceConfidence approximates how visible the exposure is: the
// average extractor confidence of its evidence.
func meanEvidenceConfidence(c Candidate) float64 {
	var sum float64
	count := 0
	for _, id := range c.Evidence {
		if sig, ok := c.Signals[id]; ok {
			sum += sig.Confidence
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// correlationFactor grows with the diversity of corroborating signal
// kinds on the entity and with graph-reported links to independently
// high-severity entities (the escalation effect).
func correlationFactor(c Candidate) float64 {
	kinds := make(map[string]struct{})
	for _, id := range c.Entity.SignalIDs {
		if sig, ok := c.Signals[id]; ok {
			kinds[sig.Kind] = struct{}{}
		}
	}
	diversity := 0.0
	if len(kinds) > 1 {
		diversity = float64(len(kinds)-1) * 0.25
	}
	escalation := float64(c.LinkedHighSeverity) * 0.2
	return clamp01(diversity + escalation)
}

// amplificationFactor raises the category base when the entity carries
// evidence combinations known to feed synthesis techniques, face plus
// voice in particular.
func amplificationFactor(c Candidate, base float64) float64 {
	hasFace, hasVoice := false, false
	for _, id := range c.Entity.SignalIDs {
		sig, ok := c.Signals[id]
		if !ok {
			continue
		}
		switch sig.Kind {
		case common.KindFace:
			hasFace = true
		case common.KindVoiceEmbedding:
			hasVoice = true
		}
	}
	if hasFace && hasVoice {
		return clamp01(base + 0.2)
	}
	return base
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
