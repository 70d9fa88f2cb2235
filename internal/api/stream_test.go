package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fraudlab/ringtrace/internal/models"
)

func TestWriteSSEFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	ev := models.ProgressEvent{
		Stage:     models.StageScoreNeighbors,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   models.JSONB{"scored": float64(4)},
	}

	writeSSE(rec, ev)

	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: score_neighbors\n") {
		t.Errorf("missing event line, got %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("frame not terminated by blank line, got %q", body)
	}

	dataLine := strings.TrimPrefix(strings.Split(body, "\n")[1], "data: ")
	var decoded models.ProgressEvent
	if err := json.Unmarshal([]byte(dataLine), &decoded); err != nil {
		t.Fatalf("data line is not valid JSON: %v", err)
	}
	if decoded.Stage != models.StageScoreNeighbors {
		t.Errorf("decoded stage = %q, want score_neighbors", decoded.Stage)
	}
}

func TestStreamDone(t *testing.T) {
	tests := []struct {
		name string
		ev   models.ProgressEvent
		want bool
	}{
		{"mid-workflow", models.ProgressEvent{Stage: models.StageTraverseGraph}, false},
		{"complete", models.ProgressEvent{Stage: models.StageDone}, true},
		{"failed", models.ProgressEvent{
			Stage:   models.StageTraverseGraph,
			Payload: models.JSONB{"failed": true, "error": "graph outage"},
		}, true},
		{"no payload", models.ProgressEvent{Stage: models.StageDecideExpand}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := streamDone(tt.ev); got != tt.want {
				t.Errorf("streamDone() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkflowStagesCoverEveryStage(t *testing.T) {
	stages := workflowStages()

	seen := map[models.Stage]bool{}
	for _, st := range stages {
		seen[st.Name] = true
	}

	all := []models.Stage{
		models.StageLoadContext,
		models.StageTraverseGraph,
		models.StageScoreNeighbors,
		models.StageSelectCandidates,
		models.StageDecideExpand,
		models.StageBuildSubgraph,
		models.StageBuildEvidence,
		models.StageGenerateReport,
		models.StageDone,
	}
	for _, st := range all {
		if !seen[st] {
			t.Errorf("stage %q missing from workflow structure", st)
		}
	}

	// Every successor must itself be a described stage.
	for _, st := range stages {
		for _, next := range st.Next {
			if !seen[next] {
				t.Errorf("stage %q lists unknown successor %q", st.Name, next)
			}
		}
	}
}

func TestPriorityForBucket(t *testing.T) {
	if p := priorityForBucket(models.BucketHigh); p != 2 {
		t.Errorf("high priority = %d, want 2", p)
	}
	if p := priorityForBucket(models.BucketMedium); p != 1 {
		t.Errorf("medium priority = %d, want 1", p)
	}
	if p := priorityForBucket(models.BucketLow); p != 0 {
		t.Errorf("low priority = %d, want 0", p)
	}
}
