package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fraudlab/ringtrace/internal/config"
	"github.com/fraudlab/ringtrace/internal/evidence"
	"github.com/fraudlab/ringtrace/internal/graph"
	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/reasoning"
	"github.com/fraudlab/ringtrace/internal/report"
	"github.com/fraudlab/ringtrace/internal/scoring"
)

// expandCost is what one account expansion debits from the cost budget,
// charged before the fetch it pays for.
const expandCost = 1.0

// EventSink receives every progress event as it is appended; the queue
// worker uses it to relay events to the stream without polling.
type EventSink func(c *models.Case, ev models.ProgressEvent)

// Engine drives investigations one stage per Advance call. It holds no
// per-case state of its own: everything lives on the Case, so a case can be
// snapshotted, reloaded, and advanced by a different process.
type Engine struct {
	graph   graph.Store
	scorer  *scoring.Scorer
	advisor reasoning.Advisor
	reports *report.Generator
	cfg     config.EngineConfig
	logger  *slog.Logger
	sink    EventSink
}

type Option func(*Engine)

func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func New(store graph.Store, advisor reasoning.Advisor, reports *report.Generator, cfg config.EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		graph:   store,
		scorer:  scoring.New(),
		advisor: advisor,
		reports: reports,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates the alert and initializes a case at the load_context stage.
// Nothing is explored yet; the first Advance does that.
func (e *Engine) Start(ctx context.Context, alert *models.Alert, budget models.Budget) (*models.Case, error) {
	if alert == nil || alert.AccountID == "" {
		return nil, models.ErrInvalidAlert
	}

	exists, err := e.graph.AccountExists(ctx, alert.AccountID)
	if err != nil {
		return nil, fmt.Errorf("validating suspect account: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: account %q not in graph", models.ErrInvalidAlert, alert.AccountID)
	}

	if budget.MaxHops <= 0 {
		budget.MaxHops = e.cfg.MaxHops
	}
	if budget.CostBudget <= 0 {
		budget.CostBudget = e.cfg.CostBudget
	}
	if budget.MaxNodes <= 0 {
		budget.MaxNodes = e.cfg.MaxNodes
	}

	now := time.Now().UTC()
	c := &models.Case{
		ID:               uuid.New(),
		AlertID:          alert.ID,
		SuspectAccountID: alert.AccountID,
		Status:           models.StatusPending,
		Stage:            models.StageLoadContext,
		Budget:           budget,
		Explored:         map[string]bool{},
		Nodes:            map[string]*models.GraphNode{},
		Edges:            map[string]*models.GraphEdge{},
		Scores:           map[string]*models.AccountScore{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	e.logger.Info("case started",
		"case_id", c.ID, "alert_id", alert.ID, "suspect", alert.AccountID,
		"max_hops", budget.MaxHops, "cost_budget", budget.CostBudget, "max_nodes", budget.MaxNodes)

	return c, nil
}

// Advance executes exactly one workflow stage and returns. Calling it on a
// terminal case is a no-op. A non-nil error means the case failed; the case
// itself records the failure and is terminal afterwards.
func (e *Engine) Advance(ctx context.Context, c *models.Case) error {
	if c.Status.Terminal() {
		return nil
	}
	c.Status = models.StatusRunning

	var err error
	switch c.Stage {
	case models.StageLoadContext:
		err = e.loadContext(ctx, c)
	case models.StageTraverseGraph:
		err = e.traverseGraph(ctx, c)
	case models.StageScoreNeighbors:
		e.scoreNeighbors(c)
	case models.StageSelectCandidates:
		e.selectCandidates(c)
	case models.StageDecideExpand:
		e.decideExpand(ctx, c)
	case models.StageBuildSubgraph:
		e.buildSubgraph(c)
	case models.StageBuildEvidence:
		e.buildEvidence(c)
	case models.StageGenerateReport:
		e.generateReport(ctx, c)
	default:
		err = fmt.Errorf("case %s in unknown stage %q", c.ID, c.Stage)
	}

	if err != nil {
		e.fail(c, err)
		return err
	}

	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Run advances the case until it reaches a terminal status, honoring context
// cancellation between stages.
func (e *Engine) Run(ctx context.Context, c *models.Case) error {
	for !c.Status.Terminal() {
		select {
		case <-ctx.Done():
			e.fail(c, fmt.Errorf("investigation canceled: %w", ctx.Err()))
			return ctx.Err()
		default:
		}
		if err := e.Advance(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fail(c *models.Case, err error) {
	c.Status = models.StatusFailed
	c.Error = err.Error()
	c.UpdatedAt = time.Now().UTC()
	e.emit(c, c.Stage, models.JSONB{"error": err.Error(), "failed": true})
	e.logger.Error("case failed", "case_id", c.ID, "stage", c.Stage, "error", err)
}

func (e *Engine) emit(c *models.Case, stage models.Stage, payload models.JSONB) {
	ev := models.ProgressEvent{
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	c.Events = append(c.Events, ev)
	if e.sink != nil {
		e.sink(c, ev)
	}
}

// loadContext seeds the graph with the suspect and primes the frontier.
func (e *Engine) loadContext(ctx context.Context, c *models.Case) error {
	c.Nodes[c.SuspectAccountID] = &models.GraphNode{
		ID:    c.SuspectAccountID,
		Label: models.LabelAccount,
		Type:  models.NodeSuspect,
		Hop:   0,
	}
	c.Frontier = []string{c.SuspectAccountID}
	c.Stage = models.StageTraverseGraph

	e.emit(c, models.StageLoadContext, models.JSONB{
		"suspect":     c.SuspectAccountID,
		"max_hops":    c.Budget.MaxHops,
		"cost_budget": c.Budget.CostBudget,
		"max_nodes":   c.Budget.MaxNodes,
	})
	return nil
}

// traverseGraph expands the frontier one hop. Cost is debited per account
// before the fetch; accounts the budget cannot cover stay unexpanded, and a
// wholly unaffordable frontier routes straight to subgraph assembly.
func (e *Engine) traverseGraph(ctx context.Context, c *models.Case) error {
	// The frontier arrives in selection order, strongest score first. Trim
	// the unaffordable tail before sorting, so budget pressure sheds the
	// weakest leads rather than the lexically-last ones.
	frontier := append([]string(nil), c.Frontier...)
	affordable := int(c.RemainingCost() / expandCost)
	if affordable < 0 {
		affordable = 0
	}
	if affordable < len(frontier) {
		frontier = frontier[:affordable]
	}
	sort.Strings(frontier)
	if len(frontier) == 0 {
		e.recordDecision(c, models.Decision{
			Hop:      c.Hop,
			Continue: false,
			HardStop: true,
			Reason:   "cost_budget_exhausted",
		})
		c.Stage = models.StageBuildSubgraph
		return nil
	}

	c.CostSpent += float64(len(frontier)) * expandCost

	edgeTypes := c.NextEdgeTypes
	if len(edgeTypes) == 0 {
		edgeTypes = models.AllEdgeTypes()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.TraversalTimeout)
	exp, err := e.graph.FetchNeighbors(fetchCtx, frontier, edgeTypes, e.cfg.NeighborLimit)
	cancel()
	if err != nil {
		return fmt.Errorf("expanding hop %d: %w", c.Hop+1, err)
	}

	hop := c.Hop + 1
	added := e.merge(c, exp, hop)

	for _, id := range frontier {
		c.Explored[id] = true
	}
	c.Hop = hop
	c.NextEdgeTypes = nil
	c.Stage = models.StageScoreNeighbors

	e.emit(c, models.StageTraverseGraph, models.JSONB{
		"hop":            hop,
		"expanded":       len(frontier),
		"new_nodes":      added,
		"nodes_explored": c.NodesExplored(),
		"cost_spent":     c.CostSpent,
	})
	return nil
}

// merge folds an expansion into the case graph, deduping nodes by id (first
// sighting keeps its hop) and edges by key, and respecting the node ceiling.
// Edges touching a node that was cut by the ceiling are dropped here so the
// accumulated graph stays consistent.
func (e *Engine) merge(c *models.Case, exp *graph.Expansion, hop int) int {
	added := 0
	for i := range exp.Nodes {
		n := exp.Nodes[i]
		if existing, ok := c.Nodes[n.ID]; ok {
			// Infra property flags can show up on a later sighting.
			if existing.Properties == nil && n.Properties != nil {
				existing.Properties = n.Properties
			}
			continue
		}
		if c.RemainingNodes() <= 0 {
			continue
		}
		n.Hop = hop
		c.Nodes[n.ID] = &n
		added++
	}

	for i := range exp.Edges {
		edge := exp.Edges[i]
		if _, ok := c.Nodes[edge.Source]; !ok {
			continue
		}
		if _, ok := c.Nodes[edge.Target]; !ok {
			continue
		}
		if _, ok := c.Edges[edge.Key()]; ok {
			continue
		}
		c.Edges[edge.Key()] = &edge
	}

	return added
}

// scoreNeighbors scores every account discovered on the current hop, in id
// order so reason lists and event payloads are reproducible.
func (e *Engine) scoreNeighbors(c *models.Case) {
	flagged := map[string]bool{}
	for _, id := range c.RingMembers() {
		flagged[id] = true
	}

	var fresh []string
	for id, n := range c.Nodes {
		if n.Label == models.LabelAccount && n.Hop == c.Hop && c.Scores[id] == nil && id != c.SuspectAccountID {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)

	buckets := map[models.RiskBucket]int{}
	for _, id := range fresh {
		score := e.scorer.Score(e.neighborhood(c, id, flagged))
		c.Scores[id] = &score
		buckets[score.Bucket]++

		node := c.Nodes[id]
		if score.Bucket == models.BucketHigh {
			node.Type = models.NodeRingCandidate
			flagged[id] = true
		} else {
			node.Type = models.NodeInnocent
		}
	}

	c.Stage = models.StageSelectCandidates
	e.emit(c, models.StageScoreNeighbors, models.JSONB{
		"hop":    c.Hop,
		"scored": len(fresh),
		"high":   buckets[models.BucketHigh],
		"medium": buckets[models.BucketMedium],
		"low":    buckets[models.BucketLow],
	})
}

// neighborhood derives an account's scoring inputs from the accumulated
// graph: flagged co-users of its devices and IPs, flagged transaction
// partners, and the VPN/emulator flags on its infrastructure.
func (e *Engine) neighborhood(c *models.Case, accountID string, flagged map[string]bool) scoring.Neighborhood {
	account := c.Nodes[accountID]
	n := scoring.Neighborhood{
		AccountID:    accountID,
		HopDistance:  account.Hop,
		VPNUser:      boolProp(account, "uses_vpn"),
		EmulatorUser: boolProp(account, "uses_emulator"),
	}

	deviceSharers := map[string]bool{}
	ipSharers := map[string]bool{}
	txPartners := map[string]bool{}

	for _, edge := range c.Edges {
		if !edge.Touches(accountID) {
			continue
		}
		other := edge.Other(accountID)
		otherNode, ok := c.Nodes[other]
		if !ok {
			continue
		}

		switch edge.Type {
		case models.EdgeTransacts:
			if flagged[other] {
				txPartners[other] = true
			}
		case models.EdgeUsesDevice:
			if boolProp(otherNode, "is_emulator") {
				n.EmulatorUser = true
			}
			collectFlaggedCoUsers(c, otherNode.ID, accountID, flagged, deviceSharers)
		case models.EdgeUsesIP:
			if boolProp(otherNode, "is_vpn") {
				n.VPNUser = true
			}
			collectFlaggedCoUsers(c, otherNode.ID, accountID, flagged, ipSharers)
		}
	}

	n.FlaggedDeviceSharers = len(deviceSharers)
	n.FlaggedIPSharers = len(ipSharers)
	n.FlaggedTxPartners = len(txPartners)
	return n
}

func collectFlaggedCoUsers(c *models.Case, infraID, accountID string, flagged map[string]bool, into map[string]bool) {
	for _, edge := range c.Edges {
		if !edge.Touches(infraID) {
			continue
		}
		coUser := edge.Other(infraID)
		if coUser != accountID && flagged[coUser] {
			into[coUser] = true
		}
	}
}

func boolProp(n *models.GraphNode, key string) bool {
	if n.Properties == nil {
		return false
	}
	b, _ := n.Properties[key].(bool)
	return b
}

// selectCandidates builds the next frontier: medium-or-higher accounts from
// this hop that have not been explored, ranked by score descending with id
// as the tie-break, truncated to the fanout cap and the remaining node
// budget.
func (e *Engine) selectCandidates(c *models.Case) {
	var candidates []*models.AccountScore
	for id, s := range c.Scores {
		if c.Explored[id] {
			continue
		}
		if c.Nodes[id] == nil || c.Nodes[id].Hop != c.Hop {
			continue
		}
		if s.Bucket == models.BucketLow {
			continue
		}
		candidates = append(candidates, s)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].AccountID < candidates[j].AccountID
	})

	limit := e.cfg.FanoutCap
	if remaining := c.RemainingNodes(); remaining < limit {
		limit = remaining
	}
	if limit < 0 {
		limit = 0
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	c.Frontier = c.Frontier[:0]
	for _, s := range candidates {
		c.Frontier = append(c.Frontier, s.AccountID)
	}
	c.LastHopCandidates = len(c.Frontier)
	c.Stage = models.StageDecideExpand

	e.emit(c, models.StageSelectCandidates, models.JSONB{
		"hop":        c.Hop,
		"candidates": c.LastHopCandidates,
		"frontier":   append([]string(nil), c.Frontier...),
	})
}

func (e *Engine) recordDecision(c *models.Case, d models.Decision) {
	d.Timestamp = time.Now().UTC()
	c.Decisions = append(c.Decisions, d)

	payload := models.JSONB{
		"hop":      d.Hop,
		"continue": d.Continue,
		"advisory": d.Advisory,
		"reason":   d.Reason,
	}
	if d.Rationale != "" {
		payload["rationale"] = d.Rationale
	}
	e.emit(c, models.StageDecideExpand, payload)
}

func (e *Engine) buildSubgraph(c *models.Case) {
	sub, warnings := evidence.BuildSubgraph(c)
	c.Subgraph = sub
	for _, w := range warnings {
		e.logger.Warn("dropping inconsistent edge", "case_id", c.ID, "detail", w)
	}
	c.Stage = models.StageBuildEvidence

	e.emit(c, models.StageBuildSubgraph, models.JSONB{
		"nodes":    len(sub.Nodes),
		"edges":    len(sub.Edges),
		"warnings": len(warnings),
	})
}

func (e *Engine) buildEvidence(c *models.Case) {
	c.Evidence = evidence.Summarize(c)
	c.Stage = models.StageGenerateReport

	e.emit(c, models.StageBuildEvidence, models.JSONB{
		"ring_size":    c.Evidence.RingSize,
		"ring_members": c.Evidence.RingMembers,
		"ring_density": c.Evidence.RingDensity,
	})
}

func (e *Engine) generateReport(ctx context.Context, c *models.Case) {
	c.Report = e.reports.Markdown(ctx, c)
	c.Stage = models.StageDone
	c.Status = models.StatusCompleted

	e.emit(c, models.StageGenerateReport, models.JSONB{"report_bytes": len(c.Report)})
	e.emit(c, models.StageDone, models.JSONB{
		"ring_size":  c.Evidence.RingSize,
		"cost_spent": c.CostSpent,
		"hops":       c.Hop,
	})
	e.logger.Info("case completed",
		"case_id", c.ID, "ring_size", c.Evidence.RingSize,
		"hops", c.Hop, "cost_spent", c.CostSpent)
}
