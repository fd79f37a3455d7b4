package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v230"
	"github.com/dgraph-io/dgo/v230/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/memflow/memflow/internal/models"
)

// DgraphGraph stores directed typed associations between memories in
// Dgraph. Each edge is its own node so edges carry type and strength
// without facets.
type DgraphGraph struct {
	client *dgo.Dgraph
	conn   *grpc.ClientConn
	log    *zap.Logger
}

// NewDgraphGraph connects to a Dgraph alpha and ensures the schema
func NewDgraphGraph(alphaURL string, log *zap.Logger) (*DgraphGraph, error) {
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := grpc.Dial(alphaURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to dgraph: %w", err)
	}

	g := &DgraphGraph{
		client: dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		conn:   conn,
		log:    log,
	}

	if err := g.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	log.Info("dgraph association graph connected", zap.String("addr", alphaURL))
	return g, nil
}

// initSchema declares the association node type and its predicates
func (g *DgraphGraph) initSchema(ctx context.Context) error {
	schema := `
		type Association {
			assoc.from: string
			assoc.to: string
			assoc.type: string
			assoc.strength: float
			assoc.created: datetime
		}

		assoc.from: string @index(exact) .
		assoc.to: string @index(exact) .
		assoc.type: string @index(exact) .
		assoc.strength: float .
		assoc.created: datetime .
	`
	return g.client.Alter(ctx, &api.Operation{Schema: schema})
}

// assocNode is the Dgraph JSON shape of one edge
type assocNode struct {
	UID      string  `json:"uid,omitempty"`
	From     string  `json:"assoc.from"`
	To       string  `json:"assoc.to"`
	Type     string  `json:"assoc.type"`
	Strength float64 `json:"assoc.strength"`
	Created  string  `json:"assoc.created,omitempty"`
	DType    string  `json:"dgraph.type,omitempty"`
}

// Add records one directed edge. Edges are append-only; re-adding the
// same pair creates a second edge rather than updating the first.
func (g *DgraphGraph) Add(ctx context.Context, assoc models.Association) error {
	if assoc.FromID == "" || assoc.ToID == "" {
		return fmt.Errorf("association endpoints are required")
	}

	payload, err := json.Marshal(assocNode{
		UID:      "_:edge",
		From:     assoc.FromID,
		To:       assoc.ToID,
		Type:     assoc.Type,
		Strength: assoc.Strength,
		Created:  time.Now().UTC().Format(time.RFC3339),
		DType:    "Association",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal association: %w", err)
	}

	txn := g.client.NewTxn()
	defer txn.Discard(ctx)

	_, err = txn.Mutate(ctx, &api.Mutation{CommitNow: true, SetJson: payload})
	if err != nil {
		return fmt.Errorf("failed to store association: %w", err)
	}
	return nil
}

// Neighbors lists outgoing edges from id, strongest first
func (g *DgraphGraph) Neighbors(ctx context.Context, id string, limit int) ([]models.Association, error) {
	if limit <= 0 {
		limit = 10
	}

	q := `query Neighbors($from: string, $limit: int) {
		edges(func: eq(assoc.from, $from), orderdesc: assoc.strength, first: $limit) {
			assoc.from
			assoc.to
			assoc.type
			assoc.strength
		}
	}`

	txn := g.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)

	resp, err := txn.QueryWithVars(ctx, q, map[string]string{
		"$from":  id,
		"$limit": fmt.Sprintf("%d", limit),
	})
	if err != nil {
		return nil, fmt.Errorf("neighbor query failed: %w", err)
	}

	var result struct {
		Edges []assocNode `json:"edges"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("failed to parse neighbor response: %w", err)
	}

	out := make([]models.Association, len(result.Edges))
	for i, e := range result.Edges {
		out[i] = models.Association{
			FromID:   e.From,
			ToID:     e.To,
			Type:     e.Type,
			Strength: e.Strength,
		}
	}
	return out, nil
}

// Close releases the Dgraph connection
func (g *DgraphGraph) Close() error {
	return g.conn.Close()
}
