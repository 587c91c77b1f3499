package memory

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/store/mem"
)

var testParams = config.MemoryParams{
	ReinforcementRate:    0.3,
	ConfidenceCap:        0.99,
	ContradictionPenalty: 0.8,
}

func testClient() (*Client, *mem.MemoryStore) {
	storage := mem.NewMemoryStore()
	client := New(storage, testParams)
	client.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return client, storage
}

func personEntity(id, key string, confidence float64) common.Entity {
	return common.Entity{
		ID:          id,
		Type:        common.EntityPerson,
		Fingerprint: common.Fingerprint{Kind: common.KindFace, Key: key},
		Confidence:  confidence,
	}
}

func biomFinding(id string) common.ExposureFinding {
	return common.ExposureFinding{ID: id, Category: common.CategoryBiometricIdentity, Severity: common.SeverityHigh}
}

func TestCommitNewRecord(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()

	update, err := client.Commit(ctx, "run_1", personEntity("ent_1", "face:abc", 0.8), []common.ExposureFinding{biomFinding("exp_1")}, []string{"post-1"})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if update.FingerprintKey != "face:abc" {
		t.Fatalf("unexpected key: %s", update.FingerprintKey)
	}
	if update.ConfidenceDelta != 0.8 {
		t.Fatalf("first commit delta should equal entity confidence, got %.3f", update.ConfidenceDelta)
	}

	rec, found, err := client.Recall(ctx, "face:abc")
	if err != nil || !found {
		t.Fatalf("record not persisted: found=%v err=%v", found, err)
	}
	if rec.EntityID != "ent_1" || rec.Observations != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Confidence() != 0.8 {
		t.Fatalf("confidence = %.3f, want 0.8", rec.Confidence())
	}
	if len(rec.KnownCategories) != 1 || rec.KnownCategories[0] != common.CategoryBiometricIdentity {
		t.Fatalf("categories not recorded: %v", rec.KnownCategories)
	}
}

func TestCorroborationDiminishingStep(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()
	entity := personEntity("ent_1", "face:abc", 0.8)

	if _, err := client.Commit(ctx, "run_1", entity, []common.ExposureFinding{biomFinding("exp_1")}, []string{"post-1"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Second sighting repeats the known category, so it corroborates.
	// Step = 0.3 * (0.99 - 0.8) / (1 + 1) = 0.0285.
	update, err := client.Commit(ctx, "run_2", entity, []common.ExposureFinding{biomFinding("exp_2")}, []string{"post-2"})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if math.Abs(update.ConfidenceDelta-0.0285) > 1e-9 {
		t.Fatalf("corroboration delta = %.6f, want 0.0285", update.ConfidenceDelta)
	}

	// Steps keep shrinking and confidence stays strictly below the cap.
	prev := 0.8 + 0.0285
	prevDelta := update.ConfidenceDelta
	for i := 0; i < 50; i++ {
		update, err = client.Commit(ctx, fmt.Sprintf("run_%d", i+3), entity, []common.ExposureFinding{biomFinding("exp_n")}, nil)
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if update.ConfidenceDelta <= 0 {
			t.Fatalf("corroboration must raise confidence, delta %d = %.9f", i, update.ConfidenceDelta)
		}
		if update.ConfidenceDelta >= prevDelta {
			t.Fatalf("steps must diminish: %.9f then %.9f", prevDelta, update.ConfidenceDelta)
		}
		prev += update.ConfidenceDelta
		prevDelta = update.ConfidenceDelta
	}
	if prev >= testParams.ConfidenceCap {
		t.Fatalf("confidence %.6f reached the cap %.2f", prev, testParams.ConfidenceCap)
	}

	rec, _, _ := client.Recall(ctx, "face:abc")
	if math.Abs(rec.Confidence()-prev) > 1e-9 {
		t.Fatalf("stored confidence %.9f, expected %.9f", rec.Confidence(), prev)
	}
}

func TestCommitWithoutRepeatCategoryKeepsConfidence(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()
	entity := personEntity("ent_1", "face:abc", 0.8)

	if _, err := client.Commit(ctx, "run_1", entity, []common.ExposureFinding{biomFinding("exp_1")}, nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// A new category is fresh information, not corroboration of known state.
	update, err := client.Commit(ctx, "run_2", entity, []common.ExposureFinding{
		{ID: "exp_2", Category: common.CategoryGeolocation, Severity: common.SeverityMedium},
	}, nil)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if update.ConfidenceDelta != 0 {
		t.Fatalf("novel category must not change confidence, delta = %.6f", update.ConfidenceDelta)
	}

	rec, _, _ := client.Recall(ctx, "face:abc")
	if len(rec.KnownCategories) != 2 {
		t.Fatalf("novel category still joins the record: %v", rec.KnownCategories)
	}
	if rec.Observations != 2 {
		t.Fatalf("observations = %d, want 2", rec.Observations)
	}
}

func TestContradictionLowersClaimant(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()

	// ent_old claims post-7 first.
	if _, err := client.Commit(ctx, "run_1", personEntity("ent_old", "face:old", 0.9), []common.ExposureFinding{biomFinding("exp_1")}, []string{"post-7"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// A different face entity now claims the same source.
	if _, err := client.Commit(ctx, "run_2", personEntity("ent_new", "face:new", 0.8), []common.ExposureFinding{biomFinding("exp_2")}, []string{"post-7"}); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	old, found, err := client.Recall(ctx, "face:old")
	if err != nil || !found {
		t.Fatalf("old record missing: %v", err)
	}
	if math.Abs(old.Confidence()-0.9*0.8) > 1e-9 {
		t.Fatalf("contradiction penalty not applied: %.4f, want %.4f", old.Confidence(), 0.9*0.8)
	}
	if len(old.Contradictions) != 1 {
		t.Fatalf("contradiction event not recorded: %v", old.Contradictions)
	}
	ev := old.Contradictions[0]
	if ev.SourceRef != "post-7" || ev.PriorEntityID != "ent_old" || ev.NewEntityID != "ent_new" {
		t.Fatalf("unexpected contradiction event: %+v", ev)
	}

	// The new claimant itself is untouched.
	fresh, _, _ := client.Recall(ctx, "face:new")
	if fresh.Confidence() != 0.8 || len(fresh.Contradictions) != 0 {
		t.Fatalf("new claimant must not be penalized: %+v", fresh)
	}
}

func TestSameEntityReclaimIsNotContradiction(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()
	entity := personEntity("ent_1", "face:abc", 0.8)

	if _, err := client.Commit(ctx, "run_1", entity, []common.ExposureFinding{biomFinding("exp_1")}, []string{"post-1"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := client.Commit(ctx, "run_2", entity, []common.ExposureFinding{biomFinding("exp_2")}, []string{"post-1"}); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	rec, _, _ := client.Recall(ctx, "face:abc")
	if len(rec.Contradictions) != 0 {
		t.Fatalf("re-observing the same source must not contradict: %v", rec.Contradictions)
	}
	if len(rec.SourceRefs) != 1 {
		t.Fatalf("source refs must be deduplicated: %v", rec.SourceRefs)
	}
}

func TestCoOccurringEntityIsNotContradiction(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()

	// One artifact carries a face and a location. Both entities claim
	// post-1, but across fingerprint kinds that is co-occurrence, the
	// normal multi-entity case, not an identity flip.
	face := personEntity("ent_face", "face:abc", 0.765)
	location := common.Entity{
		ID:          "ent_loc",
		Type:        common.EntityLocation,
		Fingerprint: common.Fingerprint{Kind: common.KindGPS, Key: "geo:53.140,8.210"},
		Confidence:  0.68,
	}
	geoFinding := common.ExposureFinding{ID: "exp_2", Category: common.CategoryGeolocation, Severity: common.SeverityHigh}

	if _, err := client.Commit(ctx, "run_1", face, []common.ExposureFinding{biomFinding("exp_1")}, []string{"post-1"}); err != nil {
		t.Fatalf("face commit: %v", err)
	}
	if _, err := client.Commit(ctx, "run_1", location, []common.ExposureFinding{geoFinding}, []string{"post-1"}); err != nil {
		t.Fatalf("location commit: %v", err)
	}

	faceRec, _, _ := client.Recall(ctx, "face:abc")
	if len(faceRec.Contradictions) != 0 {
		t.Fatalf("co-occurrence must not contradict: %v", faceRec.Contradictions)
	}
	if faceRec.Confidence() != 0.765 {
		t.Fatalf("co-occurrence must not move confidence: %.4f", faceRec.Confidence())
	}

	// The same artifact pair seen again corroborates: confidence
	// strictly increases across runs rather than eroding.
	if _, err := client.Commit(ctx, "run_2", face, []common.ExposureFinding{biomFinding("exp_3")}, []string{"post-2"}); err != nil {
		t.Fatalf("face recommit: %v", err)
	}
	if _, err := client.Commit(ctx, "run_2", location, []common.ExposureFinding{geoFinding}, []string{"post-2"}); err != nil {
		t.Fatalf("location recommit: %v", err)
	}
	faceRec, _, _ = client.Recall(ctx, "face:abc")
	if faceRec.Confidence() <= 0.765 {
		t.Fatalf("corroborated confidence must strictly increase, got %.4f", faceRec.Confidence())
	}
	if len(faceRec.Contradictions) != 0 {
		t.Fatalf("second run must not contradict either: %v", faceRec.Contradictions)
	}
	locRec, _, _ := client.Recall(ctx, "geo:53.140,8.210")
	if len(locRec.Contradictions) != 0 {
		t.Fatalf("location record must stay clean: %v", locRec.Contradictions)
	}
}

func TestCommitIsIdempotentPerRun(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()
	entity := personEntity("ent_1", "face:abc", 0.8)
	findings := []common.ExposureFinding{biomFinding("exp_1")}

	if _, err := client.Commit(ctx, "run_1", entity, findings, []string{"post-1"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// A requeued run replays the same commit; it must not fold in twice.
	update, err := client.Commit(ctx, "run_1", entity, findings, []string{"post-1"})
	if err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	if update.ConfidenceDelta != 0 {
		t.Fatalf("replay delta = %.4f, want 0", update.ConfidenceDelta)
	}

	rec, _, _ := client.Recall(ctx, "face:abc")
	if rec.Observations != 1 {
		t.Fatalf("observations = %d, want 1", rec.Observations)
	}
	if len(rec.ConfidenceTrace) != 1 || rec.Confidence() != 0.8 {
		t.Fatalf("replay must leave the trace alone: %+v", rec.ConfidenceTrace)
	}
}

func TestRepeatedReassignmentPenalizesOnce(t *testing.T) {
	client, _ := testClient()
	ctx := context.Background()

	if _, err := client.Commit(ctx, "run_1", personEntity("ent_old", "face:old", 0.9), []common.ExposureFinding{biomFinding("exp_1")}, []string{"post-7"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := client.Commit(ctx, "run_2", personEntity("ent_new", "face:new", 0.8), []common.ExposureFinding{biomFinding("exp_2")}, []string{"post-7"}); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	// ent_new reasserts its claim in a later run.
	if _, err := client.Commit(ctx, "run_3", personEntity("ent_new", "face:new", 0.8), []common.ExposureFinding{biomFinding("exp_3")}, []string{"post-7"}); err != nil {
		t.Fatalf("third commit: %v", err)
	}

	old, _, _ := client.Recall(ctx, "face:old")
	if len(old.Contradictions) != 1 {
		t.Fatalf("same reassignment must be logged once: %v", old.Contradictions)
	}
	if math.Abs(old.Confidence()-0.9*0.8) > 1e-9 {
		t.Fatalf("penalty must apply once: %.4f, want %.4f", old.Confidence(), 0.9*0.8)
	}
}
