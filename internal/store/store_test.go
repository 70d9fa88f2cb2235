package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fraudlab/ringtrace/internal/models"
)

func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=ringtrace password=ringtrace_password dbname=ringtrace_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available.
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}

	return store
}

func TestStore_Alerts(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	alert := &models.Alert{
		AccountID: "ACC-TEST-1",
		RiskScore: 0.91,
		Reason:    "velocity anomaly",
	}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}
	if alert.ID == uuid.Nil {
		t.Error("Expected alert ID to be set")
	}
	if alert.RiskBucket != models.BucketHigh {
		t.Errorf("RiskBucket = %q, want high (derived from score)", alert.RiskBucket)
	}
	if alert.Status != "new" {
		t.Errorf("Status = %q, want new", alert.Status)
	}

	retrieved, err := store.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if retrieved == nil || retrieved.AccountID != "ACC-TEST-1" {
		t.Errorf("GetAlert = %+v, want account ACC-TEST-1", retrieved)
	}

	missing, err := store.GetAlert(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetAlert(missing) failed: %v", err)
	}
	if missing != nil {
		t.Errorf("GetAlert(missing) = %+v, want nil", missing)
	}

	status := "new"
	bucket := models.BucketHigh
	alerts, err := store.ListAlerts(ctx, &status, &bucket)
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	found := false
	for _, a := range alerts {
		if a.ID == alert.ID {
			found = true
		}
	}
	if !found {
		t.Error("ListAlerts(new, high) did not include the created alert")
	}

	if err := store.UpdateAlertStatus(ctx, alert.ID, "queued"); err != nil {
		t.Fatalf("UpdateAlertStatus failed: %v", err)
	}
	updated, _ := store.GetAlert(ctx, alert.ID)
	if updated.Status != "queued" {
		t.Errorf("Status after update = %q, want queued", updated.Status)
	}
}

func TestStore_CaseSnapshotRoundtrip(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	alert := &models.Alert{AccountID: "ACC-TEST-2", RiskScore: 0.85}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	c := &models.Case{
		ID:               uuid.New(),
		AlertID:          alert.ID,
		SuspectAccountID: "ACC-TEST-2",
		Status:           models.StatusRunning,
		Stage:            models.StageScoreNeighbors,
		Hop:              1,
		CostSpent:        2,
		Budget:           models.Budget{MaxHops: 3, CostBudget: 50, MaxNodes: 500},
		Frontier:         []string{"ACC-TEST-3"},
		Explored:         map[string]bool{"ACC-TEST-2": true},
		Nodes: map[string]*models.GraphNode{
			"ACC-TEST-2": {ID: "ACC-TEST-2", Label: models.LabelAccount, Type: models.NodeSuspect},
		},
		Edges:     map[string]*models.GraphEdge{},
		Scores:    map[string]*models.AccountScore{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.SaveCase(ctx, c); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}

	// Second save must upsert, not duplicate.
	c.Stage = models.StageSelectCandidates
	c.UpdatedAt = time.Now().UTC()
	if err := store.SaveCase(ctx, c); err != nil {
		t.Fatalf("SaveCase (upsert) failed: %v", err)
	}

	loaded, err := store.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("GetCase returned nil for saved case")
	}
	if loaded.Stage != models.StageSelectCandidates {
		t.Errorf("Stage = %q, want select_candidates", loaded.Stage)
	}
	if loaded.Nodes["ACC-TEST-2"] == nil || loaded.Nodes["ACC-TEST-2"].Type != models.NodeSuspect {
		t.Errorf("snapshot lost suspect node: %+v", loaded.Nodes)
	}
	if !loaded.Explored["ACC-TEST-2"] {
		t.Error("snapshot lost explored set")
	}
}

func TestStore_CaseStopFlag(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	alert := &models.Alert{AccountID: "ACC-TEST-4", RiskScore: 0.6}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	c := &models.Case{
		ID:               uuid.New(),
		AlertID:          alert.ID,
		SuspectAccountID: "ACC-TEST-4",
		Status:           models.StatusRunning,
		Stage:            models.StageDecideExpand,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := store.SaveCase(ctx, c); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}

	stop, err := store.CaseStopRequested(ctx, c.ID)
	if err != nil {
		t.Fatalf("CaseStopRequested failed: %v", err)
	}
	if stop {
		t.Error("stop flag set before any request")
	}

	if err := store.RequestCaseStop(ctx, c.ID); err != nil {
		t.Fatalf("RequestCaseStop failed: %v", err)
	}
	stop, err = store.CaseStopRequested(ctx, c.ID)
	if err != nil {
		t.Fatalf("CaseStopRequested failed: %v", err)
	}
	if !stop {
		t.Error("stop flag not visible after request")
	}

	loaded, err := store.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if !loaded.StopRequested {
		t.Error("snapshot did not carry stop flag")
	}
}

func TestStore_MarkCaseFailed(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	alert := &models.Alert{AccountID: "ACC-TEST-5", RiskScore: 0.7}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	c := &models.Case{
		ID:               uuid.New(),
		AlertID:          alert.ID,
		SuspectAccountID: "ACC-TEST-5",
		Status:           models.StatusRunning,
		Stage:            models.StageTraverseGraph,
		CreatedAt:        time.Now().UTC().Add(-time.Hour),
		UpdatedAt:        time.Now().UTC().Add(-time.Hour),
	}
	if err := store.SaveCase(ctx, c); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}

	stale, err := store.ListStaleCases(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListStaleCases failed: %v", err)
	}
	foundStale := false
	for _, sc := range stale {
		if sc.ID == c.ID {
			foundStale = true
		}
	}
	if !foundStale {
		t.Error("hour-old running case not listed as stale")
	}

	if err := store.MarkCaseFailed(ctx, c.ID, "no progress"); err != nil {
		t.Fatalf("MarkCaseFailed failed: %v", err)
	}

	loaded, err := store.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if loaded.Status != models.StatusFailed {
		t.Errorf("Status = %q, want failed", loaded.Status)
	}
	if loaded.Error != "no progress" {
		t.Errorf("Error = %q, want 'no progress'", loaded.Error)
	}

	// Terminal cases must not be failed twice with a new reason.
	if err := store.MarkCaseFailed(ctx, c.ID, "second reason"); err != nil {
		t.Fatalf("MarkCaseFailed (terminal) failed: %v", err)
	}
	again, _ := store.GetCase(ctx, c.ID)
	if again.Error != "no progress" {
		t.Errorf("Error after second mark = %q, want original reason", again.Error)
	}
}
