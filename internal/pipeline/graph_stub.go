package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// SimpleGraphBuilder implements domain.GraphBuilder by emitting a flat graph
// whose nodes are the clause nodes themselves and whose edges connect each
// node to the next in clause order, a deterministic stand-in for the real
// (external, out-of-scope) relationship-mining graph builder.
type SimpleGraphBuilder struct{}

// NewSimpleGraphBuilder constructs a SimpleGraphBuilder.
func NewSimpleGraphBuilder() *SimpleGraphBuilder { return &SimpleGraphBuilder{} }

type graphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type graphDoc struct {
	DocumentID string             `json:"document_id"`
	Nodes      []domain.GraphNode `json:"nodes"`
	Edges      []graphEdge        `json:"edges"`
}

// BuildGraph links clause nodes in document order.
func (b *SimpleGraphBuilder) BuildGraph(ctx domain.Context, documentID string, nodes []domain.GraphNode) (json.RawMessage, error) {
	g := graphDoc{DocumentID: documentID, Nodes: nodes}
	for i := 0; i+1 < len(nodes); i++ {
		g.Edges = append(g.Edges, graphEdge{From: nodes[i].ID, To: nodes[i+1].ID})
	}
	out, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("op=pipeline.build_graph: %w", err)
	}
	return out, nil
}
