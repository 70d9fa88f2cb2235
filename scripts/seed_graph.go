//go:build ignore

// Seeds a local neo4j instance with a synthetic account graph for development:
// one fraud ring sharing a device and a VPN exit, plus background accounts on
// their own infrastructure. Run with: go run scripts/seed_graph.go
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const (
	ringSize           = 4
	backgroundAccounts = 40
)

func main() {
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		uri = "bolt://localhost:7687"
	}
	user := os.Getenv("NEO4J_USER")
	password := os.Getenv("NEO4J_PASSWORD")

	ctx := context.Background()
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		log.Fatalf("Failed to create driver: %v", err)
	}
	defer driver.Close(ctx)

	session := driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	run := func(query string, params map[string]any) {
		if _, err := session.Run(ctx, query, params); err != nil {
			log.Fatalf("Query failed: %v\n%s", err, query)
		}
	}

	fmt.Println("Wiping existing graph...")
	run("MATCH (n) DETACH DELETE n", nil)

	fmt.Printf("Seeding fraud ring of %d accounts...\n", ringSize)

	// Shared device and VPN exit bind the ring together.
	run(`CREATE (:Device {device_id: 'DEV-RING-1', is_emulator: true})`, nil)
	run(`CREATE (:IP {address: '10.66.0.1', is_vpn: true})`, nil)

	for i := 1; i <= ringSize; i++ {
		accountID := fmt.Sprintf("ACC-RING-%d", i)
		run(`
			CREATE (a:Account {account_id: $id, uses_vpn: true, uses_emulator: true})
			WITH a
			MATCH (d:Device {device_id: 'DEV-RING-1'}), (ip:IP {address: '10.66.0.1'})
			CREATE (a)-[:USES_DEVICE]->(d), (a)-[:USES_IP]->(ip)
		`, map[string]any{"id": accountID})
	}

	// Mule-style transfers between consecutive ring members.
	for i := 1; i < ringSize; i++ {
		run(`
			MATCH (a:Account {account_id: $from}), (b:Account {account_id: $to})
			CREATE (a)-[:TRANSACTS {tx_count: $count, tx_total: $total}]->(b)
		`, map[string]any{
			"from":  fmt.Sprintf("ACC-RING-%d", i),
			"to":    fmt.Sprintf("ACC-RING-%d", i+1),
			"count": 5 + rand.Intn(20),
			"total": float64(500 + rand.Intn(9500)),
		})
	}

	fmt.Printf("Seeding %d background accounts...\n", backgroundAccounts)

	for i := 1; i <= backgroundAccounts; i++ {
		accountID := fmt.Sprintf("ACC-%04d", i)
		run(`
			CREATE (a:Account {account_id: $id, uses_vpn: false, uses_emulator: false})
			CREATE (d:Device {device_id: $device, is_emulator: false})
			CREATE (ip:IP {address: $ip, is_vpn: false})
			CREATE (a)-[:USES_DEVICE]->(d), (a)-[:USES_IP]->(ip)
		`, map[string]any{
			"id":     accountID,
			"device": fmt.Sprintf("DEV-%04d", i),
			"ip":     fmt.Sprintf("192.168.%d.%d", i/250, i%250+1),
		})
	}

	// A few ordinary payments from background accounts into the ring's edge,
	// so investigations see innocent neighbors too.
	for i := 1; i <= 5; i++ {
		run(`
			MATCH (a:Account {account_id: $from}), (b:Account {account_id: 'ACC-RING-1'})
			CREATE (a)-[:TRANSACTS {tx_count: 1, tx_total: $total}]->(b)
		`, map[string]any{
			"from":  fmt.Sprintf("ACC-%04d", i),
			"total": float64(10 + rand.Intn(90)),
		})
	}

	fmt.Println("Done. Suspect to investigate: ACC-RING-1")
}
