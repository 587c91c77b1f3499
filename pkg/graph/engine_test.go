package graph

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/pkg/common"
	"github.com/tracelight-io/tracelight/pkg/store/mem"
)

var engineTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEngine() (*Engine, *mem.GraphStore) {
	storage := mem.NewGraphStore()
	e := New(storage, *config.Load())
	e.now = func() time.Time { return engineTime }
	return e, storage
}

func entity(id string, t common.EntityType, signalIDs ...string) common.Entity {
	return common.Entity{ID: id, Type: t, SignalIDs: signalIDs, Confidence: 0.8}
}

func signalMap(signals ...common.Signal) map[string]common.Signal {
	out := make(map[string]common.Signal, len(signals))
	for _, sig := range signals {
		out[sig.ID] = sig
	}
	return out
}

func TestDeriveCoOccurrence(t *testing.T) {
	e, _ := testEngine()
	entities := []common.Entity{
		entity("ent_a", common.EntityPerson, "sig_1"),
		entity("ent_b", common.EntityLocation, "sig_2"),
	}
	signals := signalMap(
		common.Signal{ID: "sig_1", Kind: common.KindFace, SourceRef: "post-1"},
		common.Signal{ID: "sig_2", Kind: common.KindGPS, SourceRef: "post-1"},
	)

	edges := e.DeriveEdges(entities, nil, signals)
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d: %v", len(edges), edges)
	}
	edge := edges[0]
	if edge.From != "ent_a" || edge.To != "ent_b" || edge.Relation != common.RelationCoOccurs {
		t.Fatalf("unexpected edge: %+v", edge)
	}
	if edge.Weight != 0.5 {
		t.Fatalf("co-occurrence weight = %.2f, want 0.5", edge.Weight)
	}
	if !reflect.DeepEqual(edge.DerivedFrom, []string{"post-1"}) {
		t.Fatalf("derivation evidence = %v", edge.DerivedFrom)
	}
}

func TestDeriveEdgesIsDeterministic(t *testing.T) {
	e, _ := testEngine()
	entities := []common.Entity{
		entity("ent_a", common.EntityPerson, "sig_1"),
		entity("ent_b", common.EntityPerson, "sig_2"),
		entity("ent_c", common.EntityDevice, "sig_3", "sig_4"),
	}
	signals := signalMap(
		common.Signal{ID: "sig_1", Kind: common.KindFace, SourceRef: "post-1"},
		common.Signal{ID: "sig_2", Kind: common.KindFace, SourceRef: "post-2"},
		common.Signal{ID: "sig_3", Kind: common.KindDeviceID, SourceRef: "post-1"},
		common.Signal{ID: "sig_4", Kind: common.KindDeviceID, SourceRef: "post-2"},
	)

	first := e.DeriveEdges(entities, nil, signals)
	second := e.DeriveEdges(entities, nil, signals)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("derivation not deterministic:\n%v\n%v", first, second)
	}
}

func TestDeriveSharedDevice(t *testing.T) {
	e, _ := testEngine()
	// Two people seen alongside the same device in different posts.
	entities := []common.Entity{
		entity("ent_p1", common.EntityPerson, "sig_1"),
		entity("ent_p2", common.EntityPerson, "sig_2"),
		entity("ent_dev", common.EntityDevice, "sig_3", "sig_4"),
	}
	signals := signalMap(
		common.Signal{ID: "sig_1", Kind: common.KindFace, SourceRef: "post-1"},
		common.Signal{ID: "sig_2", Kind: common.KindFace, SourceRef: "post-2"},
		common.Signal{ID: "sig_3", Kind: common.KindDeviceID, SourceRef: "post-1"},
		common.Signal{ID: "sig_4", Kind: common.KindDeviceID, SourceRef: "post-2"},
	)

	edges := e.DeriveEdges(entities, nil, signals)
	var shared *common.GraphEdge
	for i := range edges {
		if edges[i].Relation == common.RelationSameDevice {
			shared = &edges[i]
		}
	}
	if shared == nil {
		t.Fatalf("expected a same-device edge: %v", edges)
	}
	if shared.From != "ent_p1" || shared.To != "ent_p2" {
		t.Fatalf("unexpected endpoints: %+v", shared)
	}
	if shared.Weight != 0.75 {
		t.Fatalf("shared anchor weight = %.2f, want 0.75", shared.Weight)
	}
	if !reflect.DeepEqual(shared.DerivedFrom, []string{"ent_dev"}) {
		t.Fatalf("evidence should name the anchor entity: %v", shared.DerivedFrom)
	}
}

func TestDeriveTemporalSequenceIsDirected(t *testing.T) {
	e, _ := testEngine()
	entities := []common.Entity{
		entity("ent_b", common.EntityPerson, "sig_late"),
		entity("ent_a", common.EntityPerson, "sig_early"),
	}
	signals := signalMap(
		common.Signal{ID: "sig_early", Kind: common.KindScene, SourceRef: "post-1", Timestamp: engineTime},
		common.Signal{ID: "sig_late", Kind: common.KindScene, SourceRef: "post-2", Timestamp: engineTime.Add(time.Hour)},
	)

	edges := e.DeriveEdges(entities, nil, signals)
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %v", edges)
	}
	edge := edges[0]
	if edge.Relation != common.RelationTemporalSequence {
		t.Fatalf("unexpected relation: %s", edge.Relation)
	}
	// Direction follows time, not lexical order.
	if edge.From != "ent_a" || edge.To != "ent_b" {
		t.Fatalf("temporal edge must run earlier to later: %+v", edge)
	}
}

func TestDeriveAmplification(t *testing.T) {
	e, _ := testEngine()
	entities := []common.Entity{
		entity("ent_a", common.EntityPerson, "sig_1"),
		entity("ent_b", common.EntityLocation, "sig_2"),
	}
	signals := signalMap(
		common.Signal{ID: "sig_1", Kind: common.KindFace, SourceRef: "post-1"},
		common.Signal{ID: "sig_2", Kind: common.KindGPS, SourceRef: "post-1"},
	)
	findings := []common.ExposureFinding{
		{ID: "exp_1", EntityID: "ent_a", Category: common.CategoryBiometricIdentity, Severity: common.SeverityCritical, Score: 0.81},
		{ID: "exp_2", EntityID: "ent_b", Category: common.CategoryGeolocation, Severity: common.SeverityHigh, Score: 0.68},
	}

	edges := e.DeriveEdges(entities, findings, signals)
	var amp *common.GraphEdge
	for i := range edges {
		if edges[i].Relation == common.RelationAmplifies {
			amp = &edges[i]
		}
	}
	if amp == nil {
		t.Fatalf("expected amplifies edge between two severe correlated entities: %v", edges)
	}
	if math.Abs(amp.Weight-0.81*0.68) > 1e-9 {
		t.Fatalf("amplification weight = %.4f, want %.4f", amp.Weight, 0.81*0.68)
	}
}

func TestNoAmplificationWithoutCorrelation(t *testing.T) {
	e, _ := testEngine()
	// Severe findings on both, but the entities never co-occur.
	entities := []common.Entity{
		entity("ent_a", common.EntityPerson, "sig_1"),
		entity("ent_b", common.EntityPerson, "sig_2"),
	}
	signals := signalMap(
		common.Signal{ID: "sig_1", Kind: common.KindFace, SourceRef: "post-1"},
		common.Signal{ID: "sig_2", Kind: common.KindFace, SourceRef: "post-2"},
	)
	findings := []common.ExposureFinding{
		{ID: "exp_1", EntityID: "ent_a", Severity: common.SeverityCritical, Score: 0.9},
		{ID: "exp_2", EntityID: "ent_b", Severity: common.SeverityCritical, Score: 0.9},
	}

	edges := e.DeriveEdges(entities, findings, signals)
	for _, edge := range edges {
		if edge.Relation == common.RelationAmplifies {
			t.Fatalf("amplification requires an existing correlation edge: %+v", edge)
		}
	}
}

func TestEscalationCountsReadCommittedState(t *testing.T) {
	e, _ := testEngine()
	ctx := context.Background()

	entities := []common.Entity{
		entity("ent_a", common.EntityPerson, "sig_1"),
		entity("ent_b", common.EntityLocation, "sig_2"),
	}
	findings := []common.ExposureFinding{
		{ID: "exp_1", RunID: "run_1", EntityID: "ent_b", Category: common.CategoryGeolocation, Severity: common.SeverityHigh, Score: 0.7},
	}
	edges := []common.GraphEdge{
		{From: "ent_a", To: "ent_b", Relation: common.RelationCoOccurs, Weight: 0.5, UpdatedAt: engineTime},
	}

	if err := e.Ingest(ctx, "run_1", entities, findings, edges); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Staged only: unknown entities count zero.
	counts, err := e.EscalationCounts(ctx, []string{"ent_a", "ent_b"})
	if err != nil {
		t.Fatalf("escalation counts: %v", err)
	}
	if counts["ent_a"] != 0 || counts["ent_b"] != 0 {
		t.Fatalf("staged state must not be visible: %v", counts)
	}

	if err := e.Commit(ctx, "run_1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	counts, err = e.EscalationCounts(ctx, []string{"ent_a", "ent_b"})
	if err != nil {
		t.Fatalf("escalation counts: %v", err)
	}
	if counts["ent_a"] != 1 {
		t.Fatalf("ent_a should see one severe neighbor, got %d", counts["ent_a"])
	}
	if counts["ent_b"] != 0 {
		t.Fatalf("ent_b has no severe neighbor, got %d", counts["ent_b"])
	}
}

func TestPruneRemovesWeakStaleEdges(t *testing.T) {
	e, _ := testEngine()
	ctx := context.Background()

	entities := []common.Entity{
		entity("ent_a", common.EntityPerson, "sig_1"),
		entity("ent_b", common.EntityPerson, "sig_2"),
		entity("ent_c", common.EntityPerson, "sig_3"),
	}
	edges := []common.GraphEdge{
		{From: "ent_a", To: "ent_b", Relation: common.RelationCoOccurs, Weight: 0.1},
		{From: "ent_a", To: "ent_c", Relation: common.RelationCoOccurs, Weight: 0.9},
	}
	if err := e.Ingest(ctx, "run_1", entities, nil, edges); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := e.Commit(ctx, "run_1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Nothing is stale yet, so even the weak edge survives.
	removed, err := e.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 0 {
		t.Fatalf("fresh edges must survive pruning, removed %d", removed)
	}

	// Jump past the staleness window: now only the weak edge goes.
	e.now = func() time.Time { return time.Now().UTC().Add(60 * 24 * time.Hour) }
	removed, err = e.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned edge, got %d", removed)
	}

	sub, err := e.Query(ctx, "ent_a")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(sub.Edges) != 1 || sub.Edges[0].To != "ent_c" {
		t.Fatalf("surviving neighborhood wrong: %v", sub.Edges)
	}
}
