package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fraudlab/ringtrace/internal/models"
)

// Store is the read surface the investigation engine traverses. Bulk loading
// of accounts, devices, IPs, and transactions happens out of band; this
// module only ever expands outward from known accounts.
type Store interface {
	AccountExists(ctx context.Context, accountID string) (bool, error)
	FetchNeighbors(ctx context.Context, accountIDs []string, edgeTypes []models.EdgeType, limit int) (*Expansion, error)
	Summary(ctx context.Context) (*Summary, error)
}

// Expansion is one hop's worth of newly visible graph. Nodes may repeat
// across calls; the engine dedups by id and keeps the earliest hop.
type Expansion struct {
	Nodes []models.GraphNode
	Edges []models.GraphEdge
}

// Summary reports coarse graph volume for the operator dashboard.
type Summary struct {
	Accounts     int `json:"accounts"`
	Devices      int `json:"devices"`
	IPs          int `json:"ips"`
	Transactions int `json:"transactions"`
}

type Graph struct {
	driver  neo4j.DriverWithContext
	retries int
	backoff time.Duration
}

type Config struct {
	URI      string
	Username string
	Password string

	// Retries bounds re-attempts after a transient failure before the
	// operation surfaces ErrStoreUnavailable.
	Retries int
	Backoff time.Duration
}

func New(cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}

	g := &Graph{driver: driver, retries: cfg.Retries, backoff: cfg.Backoff}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Account) ON (n.account_id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Device) ON (n.device_id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:IP) ON (n.address)",
	}

	for _, idx := range indexes {
		_, err := session.Run(ctx, idx, nil)
		if err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

// withRetry runs fn up to retries+1 times with linear backoff. Whatever error
// survives the final attempt is wrapped in ErrStoreUnavailable so callers can
// apply the outage policy without inspecting driver internals.
func (g *Graph) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * g.backoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}

func (g *Graph) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var exists bool

	err := g.withRetry(ctx, "account lookup", func() error {
		session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
		defer session.Close(ctx)

		result, err := session.Run(ctx,
			"MATCH (a:Account {account_id: $id}) RETURN count(a) > 0 as exists",
			map[string]interface{}{"id": accountID})
		if err != nil {
			return err
		}
		if result.Next(ctx) {
			v, _ := result.Record().Get("exists")
			exists, _ = v.(bool)
		}
		return result.Err()
	})

	return exists, err
}

// FetchNeighbors expands the given frontier accounts along the requested edge
// types and returns every newly visible node and edge. Co-users of shared
// devices and IPs come back in the same call so one hop needs one round trip
// per edge type.
func (g *Graph) FetchNeighbors(ctx context.Context, accountIDs []string, edgeTypes []models.EdgeType, limit int) (*Expansion, error) {
	exp := &Expansion{}
	if len(accountIDs) == 0 {
		return exp, nil
	}

	err := g.withRetry(ctx, "neighbor expansion", func() error {
		session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
		defer session.Close(ctx)

		fresh := &Expansion{}
		for _, edgeType := range edgeTypes {
			var err error
			switch edgeType {
			case models.EdgeUsesDevice:
				err = g.expandInfra(ctx, session, fresh, accountIDs, limit, infraDevice)
			case models.EdgeUsesIP:
				err = g.expandInfra(ctx, session, fresh, accountIDs, limit, infraIP)
			case models.EdgeTransacts:
				err = g.expandTransactions(ctx, session, fresh, accountIDs, limit)
			default:
				err = fmt.Errorf("unknown edge type %q", edgeType)
			}
			if err != nil {
				return err
			}
		}
		*exp = *fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	return exp, nil
}

type infraShape struct {
	label    models.NodeLabel
	nodeType models.NodeType
	edgeType models.EdgeType
	query    string
}

var infraDevice = infraShape{
	label:    models.LabelDevice,
	nodeType: models.NodeDevice,
	edgeType: models.EdgeUsesDevice,
	query: `
		MATCH (a:Account)-[:USES_DEVICE]->(d:Device)
		WHERE a.account_id IN $ids
		OPTIONAL MATCH (d)<-[:USES_DEVICE]-(b:Account)
		WHERE b.account_id <> a.account_id
		RETURN a.account_id as account,
			   d.device_id as infra,
			   coalesce(d.is_emulator, false) as flagged,
			   b.account_id as coUser,
			   coalesce(b.uses_vpn, false) as coUserVPN,
			   coalesce(b.uses_emulator, false) as coUserEmulator
		LIMIT $limit
	`,
}

var infraIP = infraShape{
	label:    models.LabelIP,
	nodeType: models.NodeIP,
	edgeType: models.EdgeUsesIP,
	query: `
		MATCH (a:Account)-[:USES_IP]->(ip:IP)
		WHERE a.account_id IN $ids
		OPTIONAL MATCH (ip)<-[:USES_IP]-(b:Account)
		WHERE b.account_id <> a.account_id
		RETURN a.account_id as account,
			   ip.address as infra,
			   coalesce(ip.is_vpn, false) OR coalesce(ip.is_proxy, false) as flagged,
			   b.account_id as coUser,
			   coalesce(b.uses_vpn, false) as coUserVPN,
			   coalesce(b.uses_emulator, false) as coUserEmulator
		LIMIT $limit
	`,
}

// expandInfra walks account -> infrastructure -> co-user for one infra kind.
// The "flagged" column carries is_emulator for devices and is_vpn/is_proxy
// for IPs; the scorer reads it off the node properties later.
func (g *Graph) expandInfra(ctx context.Context, session neo4j.SessionWithContext, exp *Expansion, accountIDs []string, limit int, shape infraShape) error {
	result, err := session.Run(ctx, shape.query, map[string]interface{}{
		"ids":   accountIDs,
		"limit": limit,
	})
	if err != nil {
		return fmt.Errorf("executing %s query: %w", shape.edgeType, err)
	}

	flagKey := "is_emulator"
	if shape.label == models.LabelIP {
		flagKey = "is_vpn"
	}

	for result.Next(ctx) {
		rec := result.Record()
		account := asString(rec, "account")
		infra := asString(rec, "infra")
		if account == "" || infra == "" {
			continue
		}

		exp.Nodes = append(exp.Nodes, models.GraphNode{
			ID:         infra,
			Label:      shape.label,
			Type:       shape.nodeType,
			Properties: models.JSONB{flagKey: asBool(rec, "flagged")},
		})
		exp.Edges = append(exp.Edges, models.GraphEdge{
			Source: account,
			Target: infra,
			Type:   shape.edgeType,
		})

		if coUser := asString(rec, "coUser"); coUser != "" {
			exp.Nodes = append(exp.Nodes, models.GraphNode{
				ID:    coUser,
				Label: models.LabelAccount,
				Type:  models.NodeUnscored,
				Properties: models.JSONB{
					"uses_vpn":      asBool(rec, "coUserVPN"),
					"uses_emulator": asBool(rec, "coUserEmulator"),
				},
			})
			exp.Edges = append(exp.Edges, models.GraphEdge{
				Source: coUser,
				Target: infra,
				Type:   shape.edgeType,
			})
		}
	}

	return result.Err()
}

func (g *Graph) expandTransactions(ctx context.Context, session neo4j.SessionWithContext, exp *Expansion, accountIDs []string, limit int) error {
	query := `
		MATCH (a:Account)-[t:TRANSACTS]-(b:Account)
		WHERE a.account_id IN $ids AND b.account_id <> a.account_id
		RETURN a.account_id as account,
			   b.account_id as counterparty,
			   coalesce(b.uses_vpn, false) as coUserVPN,
			   coalesce(b.uses_emulator, false) as coUserEmulator,
			   count(t) as txCount,
			   sum(coalesce(t.amount, 0)) as txTotal
		LIMIT $limit
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"ids":   accountIDs,
		"limit": limit,
	})
	if err != nil {
		return fmt.Errorf("executing TRANSACTS query: %w", err)
	}

	for result.Next(ctx) {
		rec := result.Record()
		account := asString(rec, "account")
		counterparty := asString(rec, "counterparty")
		if account == "" || counterparty == "" {
			continue
		}

		exp.Nodes = append(exp.Nodes, models.GraphNode{
			ID:    counterparty,
			Label: models.LabelAccount,
			Type:  models.NodeUnscored,
			Properties: models.JSONB{
				"uses_vpn":      asBool(rec, "coUserVPN"),
				"uses_emulator": asBool(rec, "coUserEmulator"),
			},
		})
		exp.Edges = append(exp.Edges, models.GraphEdge{
			Source: account,
			Target: counterparty,
			Type:   models.EdgeTransacts,
			Properties: models.JSONB{
				"tx_count": asInt(rec, "txCount"),
				"tx_total": asFloat(rec, "txTotal"),
			},
		})
	}

	return result.Err()
}

func (g *Graph) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	err := g.withRetry(ctx, "graph summary", func() error {
		session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
		defer session.Close(ctx)

		query := `
			MATCH (a:Account) WITH count(a) as accounts
			MATCH (d:Device) WITH accounts, count(d) as devices
			MATCH (ip:IP) WITH accounts, devices, count(ip) as ips
			MATCH ()-[t:TRANSACTS]->()
			RETURN accounts, devices, ips, count(t) as transactions
		`

		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if result.Next(ctx) {
			rec := result.Record()
			summary.Accounts = asInt(rec, "accounts")
			summary.Devices = asInt(rec, "devices")
			summary.IPs = asInt(rec, "ips")
			summary.Transactions = asInt(rec, "transactions")
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

func asString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func asBool(rec *neo4j.Record, key string) bool {
	v, _ := rec.Get(key)
	b, _ := v.(bool)
	return b
}

func asInt(rec *neo4j.Record, key string) int {
	v, _ := rec.Get(key)
	n, _ := v.(int64)
	return int(n)
}

func asFloat(rec *neo4j.Record, key string) float64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
