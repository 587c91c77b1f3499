package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newID(prefix string) string {
	id, err := gonanoid.Generate(idAlphabet, 12)
	if err != nil {
		// gonanoid only fails when the system randomness source does.
		panic(fmt.Sprintf("id generation failed: %v", err))
	}
	return prefix + "_" + id
}

// NewSignalID returns a fresh public id for a normalized signal.
func NewSignalID() string { return newID("sig") }

// NewFindingID returns a fresh public id for an exposure finding.
func NewFindingID() string { return newID("exp") }

// NewRunID returns a fresh public id for an analysis run.
func NewRunID() string { return newID("run") }

// DeterministicEntityID derives a stable entity id from a fingerprint
// key. Re-resolving identical signal sets therefore yields the same
// entity id.
func DeterministicEntityID(fingerprintKey string) string {
	sum := sha256.Sum256([]byte(fingerprintKey))
	return "ent_" + hex.EncodeToString(sum[:])[:16]
}

// QuantizedVectorKey builds a stable fingerprint key from an embedding by
// rounding each component to three decimals before hashing. Extractors
// re-emitting the same embedding map to the same key.
func QuantizedVectorKey(kind string, vec []float32) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, v := range vec {
		q := int32(math.Round(float64(v) * 1000))
		h.Write([]byte{byte(q), byte(q >> 8), byte(q >> 16), byte(q >> 24)})
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:24]
}
