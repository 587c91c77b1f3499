// Package classify maps resolved entities to exposure categories through
// a deterministic rule table from signal kind to category. An entity may
// carry several categories at once; none is assigned without at least one
// qualifying signal.
package classify

import (
	"sort"

	"github.com/tracelight-io/tracelight/pkg/common"
)

// Classification pairs a category with the signals that justify it.
type Classification struct {
	Category common.ExposureCategory
	Evidence []string
}

// kindRules maps a signal kind to the category it qualifies for.
// Temporal patterns are handled separately because they require
// recurrence, not a single signal.
var kindRules = map[string]common.ExposureCategory{
	common.KindFace:           common.CategoryBiometricIdentity,
	common.KindVoiceEmbedding: common.CategoryVoiceBiometric,
	common.KindGPS:            common.CategoryGeolocation,
	common.KindDeviceID:       common.CategoryDigitalDevice,
	common.KindOrgMention:     common.CategoryOrganizationalAffiliation,
	common.KindScene:          common.CategoryBehavioralActivity,
	common.KindTextToken:      common.CategoryBehavioralActivity,
}

// temporalPatternMinSignals is how many timestamped observations of the
// same behavior make a recurring temporal pattern.
const temporalPatternMinSignals = 3

// Classify returns every exposure category the entity's signals qualify
// for, with the qualifying signal ids as evidence. The mapping is pure:
// identical input always yields identical output.
func Classify(entity common.Entity, signals map[string]common.Signal) []Classification {
	evidence := make(map[common.ExposureCategory][]string)
	timestamped := 0

	for _, id := range entity.SignalIDs {
		sig, ok := signals[id]
		if !ok {
			continue
		}
		if category, ok := kindRules[sig.Kind]; ok {
			evidence[category] = append(evidence[category], sig.ID)
		}
		if sig.Kind == common.KindTimestamp {
			timestamped++
			evidence[common.CategoryTemporalPattern] = append(evidence[common.CategoryTemporalPattern], sig.ID)
		}
	}

	// A temporal pattern needs recurrence; isolated timestamps are not an
	// exposure on their own.
	if timestamped < temporalPatternMinSignals {
		delete(evidence, common.CategoryTemporalPattern)
	}

	out := make([]Classification, 0, len(evidence))
	for category, ids := range evidence {
		sort.Strings(ids)
		out = append(out, Classification{Category: category, Evidence: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
