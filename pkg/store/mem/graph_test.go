package mem

import (
	"context"
	"testing"
	"time"

	"github.com/tracelight-io/tracelight/pkg/common"
)

var storeTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testGraphStore() *GraphStore {
	s := NewGraphStore()
	s.now = func() time.Time { return storeTime }
	return s
}

func TestStagedRunInvisibleUntilCommit(t *testing.T) {
	s := testGraphStore()
	ctx := context.Background()

	entities := []common.Entity{{ID: "ent_a", Type: common.EntityPerson}}
	findings := []common.ExposureFinding{{ID: "exp_1", RunID: "run_1", EntityID: "ent_a", Category: common.CategoryBiometricIdentity, Severity: common.SeverityHigh}}

	if err := s.StageEntities(ctx, "run_1", entities); err != nil {
		t.Fatalf("stage entities: %v", err)
	}
	if err := s.StageFindings(ctx, "run_1", findings); err != nil {
		t.Fatalf("stage findings: %v", err)
	}

	if _, err := s.GetEntity(ctx, "ent_a"); err != common.ErrNotFound {
		t.Fatalf("staged entity must not be readable, got err=%v", err)
	}
	latest, err := s.LatestFindings(ctx, "ent_a")
	if err != nil || len(latest) != 0 {
		t.Fatalf("staged findings must not be readable: %v %v", latest, err)
	}

	if err := s.CommitRun(ctx, "run_1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.GetEntity(ctx, "ent_a"); err != nil {
		t.Fatalf("committed entity missing: %v", err)
	}
	latest, _ = s.LatestFindings(ctx, "ent_a")
	if len(latest) != 1 || latest[0].ID != "exp_1" {
		t.Fatalf("committed findings missing: %v", latest)
	}
}

func TestRollbackDiscardsStagedRun(t *testing.T) {
	s := testGraphStore()
	ctx := context.Background()

	if err := s.StageEntities(ctx, "run_1", []common.Entity{{ID: "ent_a"}}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.RollbackRun(ctx, "run_1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := s.CommitRun(ctx, "run_1"); err != nil {
		t.Fatalf("commit of rolled-back run: %v", err)
	}
	if _, err := s.GetEntity(ctx, "ent_a"); err != common.ErrNotFound {
		t.Fatalf("rolled-back entity must not commit, got err=%v", err)
	}
}

func TestEdgeWeightsAccumulateAcrossRuns(t *testing.T) {
	s := testGraphStore()
	ctx := context.Background()

	edge := common.GraphEdge{From: "ent_a", To: "ent_b", Relation: common.RelationCoOccurs, Weight: 0.5, DerivedFrom: []string{"post-1"}}
	if err := s.StageEdges(ctx, "run_1", []common.GraphEdge{edge}); err != nil {
		t.Fatalf("stage run_1: %v", err)
	}
	if err := s.CommitRun(ctx, "run_1"); err != nil {
		t.Fatalf("commit run_1: %v", err)
	}

	edge.DerivedFrom = []string{"post-2"}
	if err := s.StageEdges(ctx, "run_2", []common.GraphEdge{edge}); err != nil {
		t.Fatalf("stage run_2: %v", err)
	}
	if err := s.CommitRun(ctx, "run_2"); err != nil {
		t.Fatalf("commit run_2: %v", err)
	}

	edges, err := s.EdgesByRelation(ctx, common.RelationCoOccurs)
	if err != nil {
		t.Fatalf("edges by relation: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected one merged edge, got %v", edges)
	}
	if edges[0].Weight != 1.0 {
		t.Fatalf("weight should accumulate to 1.0, got %.2f", edges[0].Weight)
	}
	if len(edges[0].DerivedFrom) != 2 {
		t.Fatalf("derivations should union: %v", edges[0].DerivedFrom)
	}
	if !edges[0].UpdatedAt.Equal(storeTime) {
		t.Fatalf("commit must stamp the edge: %s", edges[0].UpdatedAt)
	}
}

func TestEntityMergeOnCommit(t *testing.T) {
	s := testGraphStore()
	ctx := context.Background()

	early := storeTime.Add(-48 * time.Hour)
	first := common.Entity{ID: "ent_a", SignalIDs: []string{"sig_1"}, FirstSeen: early, LastSeen: early}
	second := common.Entity{ID: "ent_a", SignalIDs: []string{"sig_2"}, FirstSeen: storeTime, LastSeen: storeTime}

	s.StageEntities(ctx, "run_1", []common.Entity{first})
	s.CommitRun(ctx, "run_1")
	s.StageEntities(ctx, "run_2", []common.Entity{second})
	s.CommitRun(ctx, "run_2")

	got, err := s.GetEntity(ctx, "ent_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.SignalIDs) != 2 {
		t.Fatalf("signal ids should union: %v", got.SignalIDs)
	}
	if !got.FirstSeen.Equal(early) || !got.LastSeen.Equal(storeTime) {
		t.Fatalf("seen range should widen: %s .. %s", got.FirstSeen, got.LastSeen)
	}
}

func TestLatestFindingsSupersede(t *testing.T) {
	s := testGraphStore()
	ctx := context.Background()

	s.StageFindings(ctx, "run_1", []common.ExposureFinding{
		{ID: "exp_1", RunID: "run_1", EntityID: "ent_a", Category: common.CategoryGeolocation, Severity: common.SeverityMedium, Score: 0.4},
	})
	s.CommitRun(ctx, "run_1")
	s.StageFindings(ctx, "run_2", []common.ExposureFinding{
		{ID: "exp_2", RunID: "run_2", EntityID: "ent_a", Category: common.CategoryGeolocation, Severity: common.SeverityHigh, Score: 0.6},
		{ID: "exp_3", RunID: "run_2", EntityID: "ent_a", Category: common.CategoryBiometricIdentity, Severity: common.SeverityLow, Score: 0.2},
	})
	s.CommitRun(ctx, "run_2")

	latest, err := s.LatestFindings(ctx, "ent_a")
	if err != nil {
		t.Fatalf("latest findings: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected one finding per category, got %v", latest)
	}
	// Sorted by category; the geolocation slot holds the newest run's finding.
	if latest[0].ID != "exp_3" || latest[1].ID != "exp_2" {
		t.Fatalf("supersession wrong: %v", latest)
	}
}

func TestNeighborhoodUnknownRoot(t *testing.T) {
	s := testGraphStore()
	sub, err := s.Neighborhood(context.Background(), "ent_ghost")
	if err != nil {
		t.Fatalf("unknown root should yield an empty subgraph, got %v", err)
	}
	if len(sub.Entities) != 0 || len(sub.Edges) != 0 {
		t.Fatalf("expected empty subgraph: %+v", sub)
	}
}

func TestPruneEdgesWeightAndStaleness(t *testing.T) {
	s := testGraphStore()
	ctx := context.Background()

	stage := func(runID string, at time.Time, weight float64, to string) {
		s.now = func() time.Time { return at }
		s.StageEdges(ctx, runID, []common.GraphEdge{{From: "ent_a", To: to, Relation: common.RelationCoOccurs, Weight: weight}})
		s.CommitRun(ctx, runID)
	}

	old := storeTime.Add(-60 * 24 * time.Hour)
	stage("run_1", old, 0.1, "ent_b")       // weak and stale: pruned
	stage("run_2", old, 0.9, "ent_c")       // strong and stale: kept
	stage("run_3", storeTime, 0.1, "ent_d") // weak but fresh: kept

	pruned, err := s.PruneEdges(ctx, 0.2, storeTime.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned edge, got %d", pruned)
	}
	edges, _ := s.EdgesByRelation(ctx, common.RelationCoOccurs)
	if len(edges) != 2 {
		t.Fatalf("expected 2 surviving edges, got %v", edges)
	}
	for _, e := range edges {
		if e.To == "ent_b" {
			t.Fatalf("weak stale edge survived: %+v", e)
		}
	}
}
