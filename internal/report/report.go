package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/reasoning"
)

// Generator produces the final case report. The narrative comes from the
// reasoning service when it is reachable; otherwise a deterministic template
// rendered from the evidence summary stands in, so report generation never
// fails a case.
type Generator struct {
	narrator reasoning.Narrator
	logger   *slog.Logger
}

func NewGenerator(narrator reasoning.Narrator, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{narrator: narrator, logger: logger}
}

// Markdown renders the investigation report for a case whose evidence stage
// has completed.
func (g *Generator) Markdown(ctx context.Context, c *models.Case) string {
	if c.Evidence == nil {
		return fmt.Sprintf("# Investigation Report: %s\n\nNo evidence was collected for this case.\n", c.SuspectAccountID)
	}

	if g.narrator != nil {
		text, err := g.narrator.Narrate(ctx, narrativePrompt(c))
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		g.logger.Warn("narrative generation failed, using template report",
			"case_id", c.ID, "error", err)
	}

	return templateMarkdown(c)
}

// narrativePrompt lays the evidence out for the model. Only facts from the
// summary go in; the system prompt forbids inventing anything beyond them.
func narrativePrompt(c *models.Case) string {
	ev := c.Evidence

	var b strings.Builder
	fmt.Fprintf(&b, "Write a fraud ring investigation report in markdown for suspect account %s.\n\n", c.SuspectAccountID)
	fmt.Fprintf(&b, "Ring members (%d): %s\n", ev.RingSize, strings.Join(ev.RingMembers, ", "))
	fmt.Fprintf(&b, "Ring connectivity density: %.2f\n", ev.RingDensity)
	fmt.Fprintf(&b, "Average ring risk score: %.2f\n", ev.AvgRingScore)
	fmt.Fprintf(&b, "Nodes explored: %d, edges explored: %d, hops: %d, cost spent: %.0f of %.0f\n",
		ev.NodesExplored, ev.EdgesExplored, c.Hop, c.CostSpent, c.Budget.CostBudget)

	b.WriteString("\nKey evidence:\n")
	for _, bullet := range ev.ProofBullets {
		fmt.Fprintf(&b, "- %s\n", bullet)
	}

	if len(ev.InnocentRationale) > 0 {
		b.WriteString("\nAccounts examined and cleared:\n")
		for _, r := range ev.InnocentRationale {
			fmt.Fprintf(&b, "- %s (score %.2f): %s\n", r.AccountID, r.Score, r.Reason)
		}
	}

	b.WriteString("\nStructure the report with sections: Summary, Ring Membership, Evidence, Cleared Accounts, Recommended Actions.\n")
	return b.String()
}

// templateMarkdown is the fallback narrative. It is a pure function of the
// case, so a re-run over the same evidence produces the same report.
func templateMarkdown(c *models.Case) string {
	ev := c.Evidence

	var b strings.Builder
	fmt.Fprintf(&b, "# Investigation Report: %s\n\n", c.SuspectAccountID)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b,
		"The investigation of account %s identified a coordinated ring of %d account(s) with a connectivity density of %.2f and an average risk score of %.2f. %d account(s) in the suspect's neighborhood were examined and cleared.\n\n",
		c.SuspectAccountID, ev.RingSize, ev.RingDensity, ev.AvgRingScore, ev.InnocentCount)

	b.WriteString("## Ring Membership\n\n")
	for _, id := range ev.RingMembers {
		marker := ""
		if id == c.SuspectAccountID {
			marker = " (original suspect)"
		}
		if s, ok := c.Scores[id]; ok {
			fmt.Fprintf(&b, "- **%s**%s: score %.2f\n", id, marker, s.Score)
		} else {
			fmt.Fprintf(&b, "- **%s**%s\n", id, marker)
		}
	}
	b.WriteString("\n")

	b.WriteString("## Evidence\n\n")
	for _, bullet := range ev.ProofBullets {
		fmt.Fprintf(&b, "- %s\n", bullet)
	}
	b.WriteString("\n")

	if len(ev.InnocentRationale) > 0 {
		b.WriteString("## Cleared Accounts\n\n")
		for _, r := range ev.InnocentRationale {
			fmt.Fprintf(&b, "- **%s** (score %.2f): %s\n", r.AccountID, r.Score, r.Reason)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Exploration\n\n")
	fmt.Fprintf(&b, "- Hops completed: %d of %d\n", c.Hop, c.Budget.MaxHops)
	fmt.Fprintf(&b, "- Nodes explored: %d of %d\n", ev.NodesExplored, c.Budget.MaxNodes)
	fmt.Fprintf(&b, "- Cost spent: %.0f of %.0f\n", c.CostSpent, c.Budget.CostBudget)
	b.WriteString("\n")

	b.WriteString("## Recommended Actions\n\n")
	b.WriteString("- Freeze outbound transfers for all ring member accounts pending manual review.\n")
	b.WriteString("- Escalate the case file and evidence summary to the financial crimes team.\n")
	if ev.SharedDeviceCount > 0 || ev.SharedIPCount > 0 {
		b.WriteString("- Blocklist the shared devices and IP addresses used by the ring.\n")
	}

	return b.String()
}
