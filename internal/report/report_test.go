package report

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fraudlab/ringtrace/internal/models"
)

type fakeNarrator struct {
	text string
	err  error
}

func (f *fakeNarrator) Narrate(ctx context.Context, prompt string) (string, error) {
	return f.text, f.err
}

func evidenceCase() *models.Case {
	return &models.Case{
		SuspectAccountID: "A1",
		Hop:              2,
		CostSpent:        7,
		Budget:           models.Budget{MaxHops: 3, CostBudget: 50, MaxNodes: 500},
		Scores: map[string]*models.AccountScore{
			"A2": {AccountID: "A2", Score: 0.85, Bucket: models.BucketHigh},
			"A3": {AccountID: "A3", Score: 0.9, Bucket: models.BucketHigh},
		},
		Evidence: &models.EvidenceSummary{
			RingSize:          3,
			RingMembers:       []string{"A1", "A2", "A3"},
			InnocentCount:     1,
			NodesExplored:     9,
			EdgesExplored:     8,
			SharedDeviceCount: 1,
			RingDensity:       1.0,
			AvgRingScore:      0.875,
			ProofBullets:      []string{"3 ring account(s) operate from shared device D1"},
			SharedDevices:     []models.SharedInfra{{ID: "D1", RingUsers: 3}},
			InnocentRationale: []models.InnocentRationale{
				{AccountID: "B1", Score: 0.25, Reason: "weak signals only"},
			},
		},
	}
}

func TestMarkdownUsesNarrator(t *testing.T) {
	g := NewGenerator(&fakeNarrator{text: "# Narrated Report\n\nThe ring is real."}, nil)
	got := g.Markdown(context.Background(), evidenceCase())
	if !strings.Contains(got, "Narrated Report") {
		t.Errorf("expected narrated report, got %q", got)
	}
}

func TestMarkdownFallsBackToTemplate(t *testing.T) {
	tests := []struct {
		name     string
		narrator *fakeNarrator
	}{
		{"narrator error", &fakeNarrator{err: errors.New("connection refused")}},
		{"empty narrative", &fakeNarrator{text: "   \n"}},
		{"nil narrator", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g *Generator
			if tt.narrator == nil {
				g = NewGenerator(nil, nil)
			} else {
				g = NewGenerator(tt.narrator, nil)
			}

			got := g.Markdown(context.Background(), evidenceCase())

			for _, want := range []string{
				"# Investigation Report: A1",
				"## Ring Membership",
				"**A1** (original suspect)",
				"**A2**: score 0.85",
				"shared device D1",
				"## Recommended Actions",
			} {
				if !strings.Contains(got, want) {
					t.Errorf("template report missing %q", want)
				}
			}
		})
	}
}

func TestTemplateMarkdownIsDeterministic(t *testing.T) {
	g := NewGenerator(nil, nil)
	c := evidenceCase()
	first := g.Markdown(context.Background(), c)
	for i := 0; i < 3; i++ {
		if got := g.Markdown(context.Background(), c); got != first {
			t.Fatal("template report differs between runs over identical evidence")
		}
	}
}

func TestMarkdownWithoutEvidence(t *testing.T) {
	g := NewGenerator(nil, nil)
	got := g.Markdown(context.Background(), &models.Case{SuspectAccountID: "A1"})
	if !strings.Contains(got, "No evidence") {
		t.Errorf("expected placeholder report, got %q", got)
	}
}

func TestCasePDF(t *testing.T) {
	data, err := CasePDF(evidenceCase())
	if err != nil {
		t.Fatalf("CasePDF() error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("CasePDF() returned empty document")
	}
	if !strings.HasPrefix(string(data[:5]), "%PDF-") {
		t.Errorf("output does not look like a PDF: %q", data[:5])
	}

	if _, err := CasePDF(&models.Case{SuspectAccountID: "A1"}); err == nil {
		t.Error("expected error for case without evidence")
	}
}
