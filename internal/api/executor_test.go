package api

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fraudlab/ringtrace/internal/models"
)

func freshCase() *models.Case {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	return &models.Case{
		ID:               uuid.New(),
		AlertID:          uuid.New(),
		SuspectAccountID: "A1",
		Status:           models.StatusPending,
		Stage:            models.StageLoadContext,
		Budget:           models.Budget{MaxHops: 3, CostBudget: 50, MaxNodes: 500},
		Frontier:         []string{"A1"},
		Explored:         map[string]bool{},
		Nodes: map[string]*models.GraphNode{
			"A1": {ID: "A1", Label: models.LabelAccount, Type: models.NodeSuspect},
		},
		Edges:     map[string]*models.GraphEdge{},
		Scores:    map[string]*models.AccountScore{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestDetachCaseCopiesEveryField(t *testing.T) {
	c := freshCase()

	detached, err := detachCase(c)
	if err != nil {
		t.Fatalf("detachCase() error: %v", err)
	}

	if detached.ID != c.ID || detached.AlertID != c.AlertID {
		t.Errorf("identity differs: %v/%v vs %v/%v", detached.ID, detached.AlertID, c.ID, c.AlertID)
	}
	if detached.Stage != c.Stage || detached.Status != c.Status {
		t.Errorf("state differs: %v/%v vs %v/%v", detached.Stage, detached.Status, c.Stage, c.Status)
	}
	if detached.Budget != c.Budget {
		t.Errorf("budget differs: %+v vs %+v", detached.Budget, c.Budget)
	}
	if len(detached.Nodes) != len(c.Nodes) || detached.Nodes["A1"] == nil {
		t.Errorf("nodes not carried over: %+v", detached.Nodes)
	}

	// The copy must be pointer-independent, not a shallow clone.
	detached.Nodes["A1"].Type = models.NodeRingCandidate
	if c.Nodes["A1"].Type != models.NodeSuspect {
		t.Error("mutating the detached copy reached the original's nodes")
	}
}

// A launched case advances on a background goroutine while the HTTP handler
// marshals the caller's copy into the response. The two must never share
// mutable state.
func TestLaunchedRunCannotMutateResponseSnapshot(t *testing.T) {
	c := freshCase()

	detached, err := detachCase(c)
	if err != nil {
		t.Fatalf("detachCase() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Mutations of the kind every stage advance performs.
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("ACC-%03d", i)
			detached.Nodes[id] = &models.GraphNode{ID: id, Label: models.LabelAccount, Hop: 1}
			detached.Scores[id] = &models.AccountScore{AccountID: id, Score: 0.5, Bucket: models.BucketMedium}
			detached.Events = append(detached.Events, models.ProgressEvent{Stage: models.StageTraverseGraph})
			detached.Stage = models.StageScoreNeighbors
			detached.CostSpent++
		}
	}()

	for i := 0; i < 200; i++ {
		if _, err := json.Marshal(c); err != nil {
			t.Fatalf("marshaling response snapshot: %v", err)
		}
	}
	wg.Wait()

	if len(c.Nodes) != 1 || len(c.Scores) != 0 || len(c.Events) != 0 {
		t.Errorf("background run leaked into the caller's case: %d nodes, %d scores, %d events",
			len(c.Nodes), len(c.Scores), len(c.Events))
	}
	if c.Stage != models.StageLoadContext {
		t.Errorf("stage = %v, want load_context untouched", c.Stage)
	}
}
