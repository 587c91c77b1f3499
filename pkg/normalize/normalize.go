// Package normalize converts raw per-modality extraction output into the
// uniform signal record consumed by the rest of the core. It is a pure
// transform: no side effects, no persistence.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator"

	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/common"
)

// RawSignal is the wire record produced by the excluded extraction layer,
// one per detected raw signal.
type RawSignal struct {
	Modality   string          `json:"modality" validate:"required"`
	Kind       string          `json:"kind" validate:"required"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
	SourceRef  string          `json:"source_ref" validate:"required"`
	Timestamp  string          `json:"timestamp" validate:"required"`
	Confidence *float64        `json:"confidence"`
}

// MethodReliability rates how trustworthy each extraction method is on
// its own. The resolver weights signal confidences with these when
// judging whether a cluster is usable.
var MethodReliability = map[string]float64{
	common.KindFace:           0.85,
	common.KindVoiceEmbedding: 0.80,
	common.KindGPS:            0.95,
	common.KindDeviceID:       0.90,
	common.KindOrgMention:     0.60,
	common.KindTextToken:      0.55,
	common.KindScene:          0.65,
	common.KindTimestamp:      0.70,
}

// ReliabilityFor returns the method reliability for a kind, defaulting to
// a conservative 0.5 for kinds the table does not know.
func ReliabilityFor(kind string) float64 {
	if r, ok := MethodReliability[kind]; ok {
		return r
	}
	return 0.5
}

type embeddingPayload struct {
	Embedding []float32 `json:"embedding"`
}

type gpsPayload struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type valuePayload struct {
	Value string `json:"value"`
}

var validate = validator.New()

// Normalize validates a raw extraction record and converts it into a
// Signal. The returned error is a *common.MalformedInputError when the
// modality is unrecognized or the payload does not match the shape the
// kind requires; such errors apply to this signal only and never abort
// the surrounding run.
func Normalize(raw RawSignal) (common.Signal, error) {
	if err := validate.Struct(raw); err != nil {
		return common.Signal{}, &common.MalformedInputError{
			Modality: raw.Modality,
			Kind:     raw.Kind,
			Reason:   fmt.Sprintf("incomplete envelope: %v", err),
		}
	}

	modality, err := parseModality(raw)
	if err != nil {
		return common.Signal{}, err
	}

	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return common.Signal{}, &common.MalformedInputError{
			Modality: raw.Modality,
			Kind:     raw.Kind,
			Reason:   fmt.Sprintf("timestamp is not RFC3339: %q", raw.Timestamp),
		}
	}

	sig := common.Signal{
		ID:        util.NewSignalID(),
		Modality:  modality,
		Kind:      raw.Kind,
		SourceRef: raw.SourceRef,
		Timestamp: ts.UTC(),
	}

	if err := decodePayload(raw, &sig); err != nil {
		return common.Signal{}, err
	}

	if raw.Confidence != nil {
		if *raw.Confidence < 0 || *raw.Confidence > 1 {
			return common.Signal{}, &common.MalformedInputError{
				Modality: raw.Modality,
				Kind:     raw.Kind,
				Reason:   fmt.Sprintf("confidence %.3f out of [0,1]", *raw.Confidence),
			}
		}
		sig.Confidence = *raw.Confidence
	} else {
		// Documented default, never treated as measured confidence.
		sig.Confidence = common.DefaultConfidence
		sig.ConfidenceDefaulted = true
	}

	return sig, nil
}

func parseModality(raw RawSignal) (common.Modality, error) {
	m := common.Modality(raw.Modality)
	for _, known := range common.KnownModalities {
		if m == known {
			return m, nil
		}
	}
	return "", &common.MalformedInputError{
		Modality: raw.Modality,
		Kind:     raw.Kind,
		Reason:   "unrecognized modality",
	}
}

func decodePayload(raw RawSignal, sig *common.Signal) error {
	malformed := func(reason string) error {
		return &common.MalformedInputError{Modality: raw.Modality, Kind: raw.Kind, Reason: reason}
	}

	switch raw.Kind {
	case common.KindFace, common.KindVoiceEmbedding:
		var p embeddingPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return malformed(fmt.Sprintf("payload is not an embedding object: %v", err))
		}
		if len(p.Embedding) == 0 {
			return malformed("embedding payload missing required field \"embedding\"")
		}
		sig.Embedding = p.Embedding

	case common.KindGPS:
		var p gpsPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return malformed(fmt.Sprintf("payload is not a gps object: %v", err))
		}
		if p.Lat == nil || p.Lon == nil {
			return malformed("gps payload missing numeric lat/lon")
		}
		if *p.Lat < -90 || *p.Lat > 90 || *p.Lon < -180 || *p.Lon > 180 {
			return malformed(fmt.Sprintf("gps coordinates out of range: lat=%.4f lon=%.4f", *p.Lat, *p.Lon))
		}
		sig.Location = &common.GeoPoint{Lat: *p.Lat, Lon: *p.Lon}

	default:
		// device-id, org-mention, text-token, scene, timestamp, and any
		// extractor-specific kind carry a parsed string value.
		var p valuePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return malformed(fmt.Sprintf("payload is not a value object: %v", err))
		}
		if p.Value == "" {
			return malformed("value payload missing required field \"value\"")
		}
		sig.Value = util.SanitizePostgresText(p.Value)
		if sig.Value == "" {
			return malformed("value is empty after sanitization")
		}
	}

	return nil
}
