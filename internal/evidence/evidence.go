package evidence

import (
	"fmt"
	"math"
	"sort"

	"github.com/fraudlab/ringtrace/internal/models"
)

// minRingUsers is how many ring accounts must touch a device or IP before it
// counts as shared ring infrastructure.
const minRingUsers = 2

// BuildSubgraph projects the accumulated exploration graph down to the ring
// view: the suspect, every high-bucket account, and any device or IP used by
// at least two ring members. Edges touching a node that was never fetched are
// dropped and reported as warnings rather than failing the case.
func BuildSubgraph(c *models.Case) (*models.Subgraph, []string) {
	ring := make(map[string]bool)
	for _, id := range c.RingMembers() {
		ring[id] = true
	}

	var warnings []string
	ringUsers := infraRingUsers(c, ring, &warnings)

	include := make(map[string]bool, len(ring))
	for id := range ring {
		include[id] = true
	}
	for id, users := range ringUsers {
		if len(users) >= minRingUsers {
			include[id] = true
		}
	}

	sub := &models.Subgraph{}
	for id := range include {
		node, ok := c.Nodes[id]
		if !ok {
			continue
		}
		n := *node
		switch {
		case id == c.SuspectAccountID:
			n.Type = models.NodeSuspect
		case n.Label == models.LabelAccount:
			n.Type = models.NodeRingCandidate
		default:
			n.Type = models.NodeRingInfra
		}
		sub.Nodes = append(sub.Nodes, n)
	}

	for _, edge := range c.Edges {
		if _, ok := c.Nodes[edge.Source]; !ok {
			continue // already warned in infraRingUsers
		}
		if _, ok := c.Nodes[edge.Target]; !ok {
			continue
		}
		if include[edge.Source] && include[edge.Target] {
			sub.Edges = append(sub.Edges, *edge)
		}
	}

	sort.Slice(sub.Nodes, func(i, j int) bool { return sub.Nodes[i].ID < sub.Nodes[j].ID })
	sort.Slice(sub.Edges, func(i, j int) bool { return sub.Edges[i].Key() < sub.Edges[j].Key() })
	sort.Strings(warnings)

	return sub, warnings
}

// infraRingUsers maps each device and IP node to the set of ring accounts
// touching it, collecting a warning for every dangling edge along the way.
func infraRingUsers(c *models.Case, ring map[string]bool, warnings *[]string) map[string]map[string]bool {
	users := make(map[string]map[string]bool)
	for _, edge := range c.Edges {
		src, srcOK := c.Nodes[edge.Source]
		dst, dstOK := c.Nodes[edge.Target]
		if !srcOK || !dstOK {
			*warnings = append(*warnings, fmt.Sprintf(
				"%v: %s", models.ErrInconsistentSubgraph, edge.Key()))
			continue
		}

		account, infra := src, dst
		if account.Label != models.LabelAccount {
			account, infra = dst, src
		}
		if account.Label != models.LabelAccount || infra.Label == models.LabelAccount {
			continue
		}
		if !ring[account.ID] {
			continue
		}
		if users[infra.ID] == nil {
			users[infra.ID] = make(map[string]bool)
		}
		users[infra.ID][account.ID] = true
	}
	return users
}

// Summarize aggregates the final state of a case into the evidence summary.
// It is a pure function of the case's nodes, edges, and scores: rebuilding
// from identical inputs yields an identical summary.
func Summarize(c *models.Case) *models.EvidenceSummary {
	ringMembers := c.RingMembers()
	ring := make(map[string]bool, len(ringMembers))
	for _, id := range ringMembers {
		ring[id] = true
	}

	summary := &models.EvidenceSummary{
		RingSize:      len(ringMembers),
		RingMembers:   ringMembers,
		NodesExplored: len(c.Nodes),
		EdgesExplored: len(c.Edges),
	}

	var noWarnings []string
	users := infraRingUsers(c, ring, &noWarnings)

	for id, accounts := range users {
		if len(accounts) < minRingUsers {
			continue
		}
		node, ok := c.Nodes[id]
		if !ok {
			continue
		}
		infra := models.SharedInfra{ID: id, RingUsers: len(accounts)}
		switch node.Label {
		case models.LabelDevice:
			summary.SharedDevices = append(summary.SharedDevices, infra)
		case models.LabelIP:
			summary.SharedIPs = append(summary.SharedIPs, infra)
		}
	}
	sort.Slice(summary.SharedDevices, func(i, j int) bool {
		return summary.SharedDevices[i].ID < summary.SharedDevices[j].ID
	})
	sort.Slice(summary.SharedIPs, func(i, j int) bool {
		return summary.SharedIPs[i].ID < summary.SharedIPs[j].ID
	})
	summary.SharedDeviceCount = len(summary.SharedDevices)
	summary.SharedIPCount = len(summary.SharedIPs)

	for _, edge := range c.Edges {
		if edge.Type == models.EdgeTransacts && ring[edge.Source] && ring[edge.Target] {
			summary.InternalTxCount++
		}
	}

	summary.RingDensity = ringDensity(c, ringMembers, users)
	summary.AvgRingScore = avgScore(c, ringMembers, true)
	summary.AvgInnocentScore = avgScore(c, ringMembers, false)
	summary.InnocentCount = innocentCount(c, ring)
	summary.InnocentRationale = innocentRationale(c, ring)
	summary.ProofBullets = proofBullets(summary)

	return summary
}

// ringDensity is the fraction of ring-member pairs that are linked either by
// a direct edge or through a common infrastructure node. A pair of mule
// accounts operated from the same device is as connected as one with a
// direct transfer between them.
func ringDensity(c *models.Case, ringMembers []string, users map[string]map[string]bool) float64 {
	n := len(ringMembers)
	if n < 2 {
		return 0
	}

	connected := make(map[string]bool)
	pairKey := func(a, b string) string {
		if b < a {
			a, b = b, a
		}
		return a + "|" + b
	}

	ring := make(map[string]bool, n)
	for _, id := range ringMembers {
		ring[id] = true
	}

	for _, edge := range c.Edges {
		if ring[edge.Source] && ring[edge.Target] {
			connected[pairKey(edge.Source, edge.Target)] = true
		}
	}
	for _, accounts := range users {
		ids := make([]string, 0, len(accounts))
		for id := range accounts {
			ids = append(ids, id)
		}
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				connected[pairKey(ids[i], ids[j])] = true
			}
		}
	}

	possible := n * (n - 1) / 2
	return round3(float64(len(connected)) / float64(possible))
}

func avgScore(c *models.Case, ringMembers []string, ringSide bool) float64 {
	ring := make(map[string]bool, len(ringMembers))
	for _, id := range ringMembers {
		ring[id] = true
	}

	var sum float64
	var count int
	for id, s := range c.Scores {
		if ring[id] == ringSide {
			sum += s.Score
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return round3(sum / float64(count))
}

func innocentCount(c *models.Case, ring map[string]bool) int {
	count := 0
	for id := range c.Scores {
		if !ring[id] {
			count++
		}
	}
	return count
}

// innocentRationale explains, per cleared account, why it scored below the
// ring threshold. Output is sorted by account id.
func innocentRationale(c *models.Case, ring map[string]bool) []models.InnocentRationale {
	var out []models.InnocentRationale
	for id, s := range c.Scores {
		if ring[id] {
			continue
		}
		reason := "no significant overlap with ring accounts or infrastructure"
		if len(s.Reasons) > 0 {
			reason = fmt.Sprintf("weak signals only: %s", s.Reasons[0].Description)
		}
		out = append(out, models.InnocentRationale{
			AccountID: id,
			Score:     s.Score,
			Reason:    reason,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func proofBullets(s *models.EvidenceSummary) []string {
	var bullets []string

	bullets = append(bullets, fmt.Sprintf(
		"%d account(s) identified as coordinated ring members", s.RingSize))

	for _, d := range s.SharedDevices {
		bullets = append(bullets, fmt.Sprintf(
			"%d ring account(s) operate from shared device %s", d.RingUsers, d.ID))
	}
	for _, ip := range s.SharedIPs {
		bullets = append(bullets, fmt.Sprintf(
			"%d ring account(s) connect from shared IP %s", ip.RingUsers, ip.ID))
	}
	if s.InternalTxCount > 0 {
		bullets = append(bullets, fmt.Sprintf(
			"%d transaction(s) move funds between ring accounts", s.InternalTxCount))
	}
	bullets = append(bullets, fmt.Sprintf(
		"ring connectivity density %.2f across %d member(s)", s.RingDensity, s.RingSize))
	if s.InnocentCount > 0 {
		bullets = append(bullets, fmt.Sprintf(
			"%d nearby account(s) examined and cleared", s.InnocentCount))
	}

	return bullets
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
