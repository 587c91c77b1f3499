package classify

import (
	"reflect"
	"testing"
	"time"

	"github.com/tracelight-io/tracelight/pkg/common"
)

func indexSignals(signals ...common.Signal) map[string]common.Signal {
	out := make(map[string]common.Signal, len(signals))
	for _, sig := range signals {
		out[sig.ID] = sig
	}
	return out
}

func entityWith(ids ...string) common.Entity {
	return common.Entity{ID: "ent_test", Type: common.EntityPerson, SignalIDs: ids}
}

func TestClassifyByKind(t *testing.T) {
	tests := []struct {
		kind string
		want common.ExposureCategory
	}{
		{common.KindFace, common.CategoryBiometricIdentity},
		{common.KindVoiceEmbedding, common.CategoryVoiceBiometric},
		{common.KindGPS, common.CategoryGeolocation},
		{common.KindDeviceID, common.CategoryDigitalDevice},
		{common.KindOrgMention, common.CategoryOrganizationalAffiliation},
		{common.KindScene, common.CategoryBehavioralActivity},
		{common.KindTextToken, common.CategoryBehavioralActivity},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			signals := indexSignals(common.Signal{ID: "sig_1", Kind: tt.kind})
			got := Classify(entityWith("sig_1"), signals)
			if len(got) != 1 || got[0].Category != tt.want {
				t.Fatalf("Classify(%s) = %v, want single %s", tt.kind, got, tt.want)
			}
			if !reflect.DeepEqual(got[0].Evidence, []string{"sig_1"}) {
				t.Fatalf("evidence = %v", got[0].Evidence)
			}
		})
	}
}

func TestClassifyMultipleCategories(t *testing.T) {
	signals := indexSignals(
		common.Signal{ID: "sig_face", Kind: common.KindFace},
		common.Signal{ID: "sig_gps", Kind: common.KindGPS},
		common.Signal{ID: "sig_scene", Kind: common.KindScene},
	)
	got := Classify(entityWith("sig_face", "sig_gps", "sig_scene"), signals)
	if len(got) != 3 {
		t.Fatalf("expected 3 categories, got %d: %v", len(got), got)
	}
	// Sorted by category name.
	want := []common.ExposureCategory{
		common.CategoryBehavioralActivity,
		common.CategoryBiometricIdentity,
		common.CategoryGeolocation,
	}
	for i, c := range got {
		if c.Category != want[i] {
			t.Fatalf("category order: got %s at %d, want %s", c.Category, i, want[i])
		}
	}
}

func TestClassifyTemporalPatternNeedsRecurrence(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	two := indexSignals(
		common.Signal{ID: "sig_t1", Kind: common.KindTimestamp, Timestamp: base},
		common.Signal{ID: "sig_t2", Kind: common.KindTimestamp, Timestamp: base.Add(24 * time.Hour)},
	)
	if got := Classify(entityWith("sig_t1", "sig_t2"), two); len(got) != 0 {
		t.Fatalf("two timestamps must not form a temporal pattern: %v", got)
	}

	three := indexSignals(
		common.Signal{ID: "sig_t1", Kind: common.KindTimestamp, Timestamp: base},
		common.Signal{ID: "sig_t2", Kind: common.KindTimestamp, Timestamp: base.Add(24 * time.Hour)},
		common.Signal{ID: "sig_t3", Kind: common.KindTimestamp, Timestamp: base.Add(48 * time.Hour)},
	)
	got := Classify(entityWith("sig_t1", "sig_t2", "sig_t3"), three)
	if len(got) != 1 || got[0].Category != common.CategoryTemporalPattern {
		t.Fatalf("three timestamps should form a temporal pattern: %v", got)
	}
	if len(got[0].Evidence) != 3 {
		t.Fatalf("evidence should list all three timestamps: %v", got[0].Evidence)
	}
}

func TestClassifySkipsUnknownSignalIDs(t *testing.T) {
	signals := indexSignals(common.Signal{ID: "sig_face", Kind: common.KindFace})
	got := Classify(entityWith("sig_face", "sig_missing"), signals)
	if len(got) != 1 || got[0].Category != common.CategoryBiometricIdentity {
		t.Fatalf("missing signal ids must be ignored: %v", got)
	}
}

func TestClassifyIsPure(t *testing.T) {
	signals := indexSignals(
		common.Signal{ID: "sig_face", Kind: common.KindFace},
		common.Signal{ID: "sig_gps", Kind: common.KindGPS},
	)
	ent := entityWith("sig_face", "sig_gps")
	first := Classify(ent, signals)
	second := Classify(ent, signals)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("classification not deterministic: %v vs %v", first, second)
	}
}
