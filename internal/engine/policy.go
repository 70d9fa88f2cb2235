package engine

import (
	"context"
	"fmt"

	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/reasoning"
)

// decideExpand chooses between another hop and subgraph assembly. Hard stops
// are checked first and are never overridable; only when every ceiling still
// has room is the advisor consulted, and its answer is advisory only. An
// unreachable advisor degrades to the yield heuristic, so the decision stage
// cannot fail a case.
func (e *Engine) decideExpand(ctx context.Context, c *models.Case) {
	if d, stopped := e.hardStop(c); stopped {
		e.recordDecision(c, d)
		c.Stage = models.StageBuildSubgraph
		return
	}

	d := e.advise(ctx, c)
	e.recordDecision(c, d)

	if d.Continue {
		c.NextEdgeTypes = d.EdgeTypes
		c.Stage = models.StageTraverseGraph
		return
	}
	c.Stage = models.StageBuildSubgraph
}

func (e *Engine) hardStop(c *models.Case) (models.Decision, bool) {
	d := models.Decision{Hop: c.Hop, HardStop: true}

	switch {
	case c.StopRequested:
		d.Reason = "stop_requested"
	case c.Hop >= c.Budget.MaxHops:
		d.Reason = "max_hops_reached"
	case len(c.Frontier) == 0:
		d.Reason = "empty_frontier"
	case c.RemainingCost() < expandCost:
		d.Reason = "cost_budget_exhausted"
	case c.RemainingNodes() <= 0:
		d.Reason = "node_budget_exhausted"
	default:
		return models.Decision{}, false
	}

	return d, true
}

// advise asks the reasoning service whether the next hop is worth its cost.
// The advice call itself is charged against the cost budget before it is
// made; a budget too thin to afford it skips straight to the heuristic.
func (e *Engine) advise(ctx context.Context, c *models.Case) models.Decision {
	if e.advisor == nil {
		return e.heuristic(c, "no_advisor")
	}
	if c.RemainingCost() < e.cfg.AdviceCost {
		return e.heuristic(c, "advice_unaffordable")
	}

	c.CostSpent += e.cfg.AdviceCost

	advice, err := e.advisor.Advise(ctx, e.adviceRequest(c))
	if err != nil {
		e.logger.Warn("advisor unavailable, falling back to yield heuristic",
			"case_id", c.ID, "hop", c.Hop, "error", err)
		return e.heuristic(c, "advisor_unavailable")
	}

	return models.Decision{
		Hop:       c.Hop,
		Continue:  advice.Continue,
		Advisory:  true,
		Reason:    "advisor",
		Rationale: advice.Rationale,
		EdgeTypes: advice.EdgeTypes,
	}
}

// heuristic is the fail-open fallback: keep going only while the last hop
// yields strictly more candidates than the minimum.
func (e *Engine) heuristic(c *models.Case, why string) models.Decision {
	cont := c.LastHopCandidates > e.cfg.MinYield
	return models.Decision{
		Hop:      c.Hop,
		Continue: cont,
		Reason:   "heuristic_" + why,
		Rationale: fmt.Sprintf("last hop yielded %d candidate(s) against a minimum of %d",
			c.LastHopCandidates, e.cfg.MinYield),
	}
}

func (e *Engine) adviceRequest(c *models.Case) reasoning.AdviceRequest {
	req := reasoning.AdviceRequest{
		SuspectAccountID:  c.SuspectAccountID,
		Hop:               c.Hop,
		MaxHops:           c.Budget.MaxHops,
		CostSpent:         c.CostSpent,
		CostBudget:        c.Budget.CostBudget,
		NodesExplored:     c.NodesExplored(),
		MaxNodes:          c.Budget.MaxNodes,
		LastHopCandidates: c.LastHopCandidates,
	}

	for _, s := range c.Scores {
		switch s.Bucket {
		case models.BucketHigh:
			req.HighRiskCount++
		case models.BucketMedium:
			req.MediumRiskCount++
		}
	}

	// Only the current frontier's scores travel with the request; the full
	// score table can be large and the model only weighs the live leads.
	for _, id := range c.Frontier {
		if s, ok := c.Scores[id]; ok {
			req.TopScores = append(req.TopScores, *s)
		}
	}

	return req
}
