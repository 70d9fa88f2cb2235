package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
)

// Terminal reports whether a case in this status may never be mutated again.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names double as progress event names on the stream.
type Stage string

const (
	StageLoadContext      Stage = "load_context"
	StageTraverseGraph    Stage = "traverse_graph"
	StageScoreNeighbors   Stage = "score_neighbors"
	StageSelectCandidates Stage = "select_candidates"
	StageDecideExpand     Stage = "decide_expand"
	StageBuildSubgraph    Stage = "build_subgraph"
	StageBuildEvidence    Stage = "build_evidence"
	StageGenerateReport   Stage = "generate_report"
	StageDone             Stage = "workflow_complete"
)

type NodeLabel string

const (
	LabelAccount NodeLabel = "account"
	LabelDevice  NodeLabel = "device"
	LabelIP      NodeLabel = "ip"
)

type NodeType string

const (
	NodeSuspect       NodeType = "suspect"
	NodeRingCandidate NodeType = "ring_candidate"
	NodeRingInfra     NodeType = "ring_infrastructure"
	NodeInnocent      NodeType = "innocent"
	NodeDevice        NodeType = "device"
	NodeIP            NodeType = "ip"
	NodeUnscored      NodeType = "unscored"
)

type EdgeType string

const (
	EdgeUsesDevice EdgeType = "USES_DEVICE"
	EdgeUsesIP     EdgeType = "USES_IP"
	EdgeTransacts  EdgeType = "TRANSACTS"
)

// AllEdgeTypes is the default expansion set, in traversal order.
func AllEdgeTypes() []EdgeType {
	return []EdgeType{EdgeUsesDevice, EdgeUsesIP, EdgeTransacts}
}

type RiskBucket string

const (
	BucketHigh   RiskBucket = "high"
	BucketMedium RiskBucket = "medium"
	BucketLow    RiskBucket = "low"
)

// BucketForScore maps a normalized score to its risk bucket.
func BucketForScore(score float64) RiskBucket {
	switch {
	case score >= 0.8:
		return BucketHigh
	case score >= 0.5:
		return BucketMedium
	default:
		return BucketLow
	}
}

// JSONB handles map columns stored as Postgres jsonb.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("jsonb: type assertion to []byte failed")
	}
	return json.Unmarshal(b, j)
}

type Alert struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	AccountID  string     `json:"account_id" db:"account_id"`
	RiskScore  float64    `json:"risk_score" db:"risk_score"`
	RiskBucket RiskBucket `json:"risk_bucket" db:"risk_bucket"`
	Reason     string     `json:"reason" db:"reason"`
	Status     string     `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Budget is the triad of ceilings bounding an investigation. All three are
// hard: a stage that would exceed any of them is never executed.
type Budget struct {
	MaxHops    int     `json:"max_hops"`
	CostBudget float64 `json:"cost_budget"`
	MaxNodes   int     `json:"max_nodes"`
}

type GraphNode struct {
	ID         string    `json:"id"`
	Label      NodeLabel `json:"label"`
	Type       NodeType  `json:"type"`
	Hop        int       `json:"hop"`
	Properties JSONB     `json:"properties,omitempty"`
}

type GraphEdge struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Type       EdgeType `json:"edge_type"`
	Properties JSONB    `json:"properties,omitempty"`
}

// Key identifies an edge for dedup. Traversal is directionless, so the
// endpoints are ordered lexically before keying.
func (e GraphEdge) Key() string {
	a, b := e.Source, e.Target
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s->%s:%s", a, b, e.Type)
}

// Touches reports whether id is one of the edge's endpoints.
func (e GraphEdge) Touches(id string) bool {
	return e.Source == id || e.Target == id
}

// Other returns the endpoint opposite id.
func (e GraphEdge) Other(id string) string {
	if e.Source == id {
		return e.Target
	}
	return e.Source
}

type ScoreReason struct {
	Code        string  `json:"code"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// ScoreEvidence carries the raw signal inputs behind an AccountScore so the
// score can be recomputed and audited.
type ScoreEvidence struct {
	SharedDeviceAccounts int  `json:"shared_device_accounts"`
	SharedIPAccounts     int  `json:"shared_ip_accounts"`
	FlaggedTxCount       int  `json:"flagged_tx_count"`
	HopDistance          int  `json:"hop_distance"`
	VPNUser              bool `json:"vpn_user"`
	EmulatorUser         bool `json:"emulator_user"`
}

type AccountScore struct {
	AccountID string        `json:"account_id"`
	Score     float64       `json:"score"`
	Bucket    RiskBucket    `json:"bucket"`
	Reasons   []ScoreReason `json:"reasons"`
	Evidence  ScoreEvidence `json:"evidence"`
}

// Decision records one continue/stop choice, whether heuristic or advisory.
type Decision struct {
	Hop       int        `json:"hop"`
	Continue  bool       `json:"continue"`
	Advisory  bool       `json:"advisory"`
	HardStop  bool       `json:"hard_stop"`
	Reason    string     `json:"reason"`
	Rationale string     `json:"rationale,omitempty"`
	EdgeTypes []EdgeType `json:"edge_types,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type ProgressEvent struct {
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Payload   JSONB     `json:"payload,omitempty"`
}

type Subgraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type SharedInfra struct {
	ID        string `json:"id"`
	RingUsers int    `json:"ring_users"`
}

type InnocentRationale struct {
	AccountID string  `json:"account_id"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// EvidenceSummary is a pure aggregation over the final subgraph and score
// table; rebuilding it from the same inputs yields identical output.
type EvidenceSummary struct {
	RingSize          int                 `json:"ring_size"`
	RingMembers       []string            `json:"ring_members"`
	InnocentCount     int                 `json:"innocent_count"`
	NodesExplored     int                 `json:"total_nodes_explored"`
	EdgesExplored     int                 `json:"total_edges_explored"`
	SharedDeviceCount int                 `json:"shared_device_count"`
	SharedIPCount     int                 `json:"shared_ip_count"`
	InternalTxCount   int                 `json:"internal_tx_count"`
	RingDensity       float64             `json:"ring_density"`
	AvgRingScore      float64             `json:"avg_ring_score"`
	AvgInnocentScore  float64             `json:"avg_innocent_score"`
	ProofBullets      []string            `json:"proof_bullets"`
	SharedDevices     []SharedInfra       `json:"shared_devices"`
	SharedIPs         []SharedInfra       `json:"shared_ips"`
	InnocentRationale []InnocentRationale `json:"innocent_rationale"`
}

// Case is one investigation run. It is mutated exclusively by the engine's
// stage functions, one stage at a time, and frozen once Status is terminal.
type Case struct {
	ID               uuid.UUID      `json:"id"`
	AlertID          uuid.UUID      `json:"alert_id"`
	SuspectAccountID string         `json:"suspect_account_id"`
	Status           WorkflowStatus `json:"status"`
	Stage            Stage          `json:"stage"`
	Hop              int            `json:"hop"`
	CostSpent        float64        `json:"cost_spent"`
	Budget           Budget         `json:"budget"`

	Frontier []string        `json:"frontier"`
	Explored map[string]bool `json:"explored"`

	Nodes map[string]*GraphNode `json:"nodes"`
	Edges map[string]*GraphEdge `json:"edges"`

	Scores map[string]*AccountScore `json:"scores"`

	// LastHopCandidates is the size of the frontier produced by the most
	// recent select_candidates stage; the fallback heuristic reads it.
	LastHopCandidates int        `json:"last_hop_candidates"`
	NextEdgeTypes     []EdgeType `json:"next_edge_types,omitempty"`

	Decisions []Decision       `json:"decisions"`
	Subgraph  *Subgraph        `json:"subgraph,omitempty"`
	Evidence  *EvidenceSummary `json:"evidence,omitempty"`
	Report    string           `json:"report_markdown,omitempty"`

	Events []ProgressEvent `json:"events"`

	StopRequested bool   `json:"stop_requested"`
	Error         string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodesExplored counts every node discovered so far; monotonically
// non-decreasing across hops and capped by Budget.MaxNodes.
func (c *Case) NodesExplored() int {
	return len(c.Nodes)
}

// RemainingCost is the unspent portion of the cost budget.
func (c *Case) RemainingCost() float64 {
	return c.Budget.CostBudget - c.CostSpent
}

// RemainingNodes is the unspent portion of the node budget.
func (c *Case) RemainingNodes() int {
	return c.Budget.MaxNodes - len(c.Nodes)
}

// RingMembers returns the suspect plus every high-bucket account, sorted by
// id for stable output.
func (c *Case) RingMembers() []string {
	members := map[string]bool{c.SuspectAccountID: true}
	for id, s := range c.Scores {
		if s.Bucket == BucketHigh {
			members[id] = true
		}
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
