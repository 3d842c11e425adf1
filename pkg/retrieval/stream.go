package retrieval

import (
	"context"
	"iter"
)

// Workflow node names, as they appear in streamed events.
const (
	nodeSimilaritySearch        = "similarity_search"
	nodeExploration             = "node_exploration"
	nodeRelationshipExploration = "relationship_exploration"
	nodeDecisionMaker           = "decision_maker"
	nodeContextSynthesis        = "context_synthesis"
	nodeWorkflow                = "workflow"
)

// Event statuses. Every node invocation emits started, update, finished in
// that order; the workflow closes with a single final_context event.
const (
	StatusStarted      = "started"
	StatusUpdate       = "update"
	StatusFinished     = "finished"
	StatusFinalContext = "final_context"
)

// Event is one entry in the workflow's live progress feed. The adapter is
// pure observability: it never alters the state transitions it reports.
type Event struct {
	Node    string      `json:"node"`
	Status  string      `json:"status"`
	Payload interface{} `json:"payload,omitempty"`
}

// RetrieveContextStream runs the same workflow as RetrieveContext, emitting
// the event sequence as it goes. The sequence is finite: it ends after the
// closing final_context event (or earlier if the consumer stops). Each call
// is a fresh, independent run.
func (e *Engine) RetrieveContextStream(ctx context.Context, query string, maxDepth int) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		state := NewAgentState(query, maxDepth)
		e.run(ctx, state, yield)
	}
}

// snapshotFor builds the node-specific update payload, mirroring the fields
// that node mutates.
func snapshotFor(node string, state *AgentState) interface{} {
	switch node {
	case nodeSimilaritySearch:
		return map[string]interface{}{
			"discovered_nodes": setToSlice(state.DiscoveredNodes),
			"reasoning":        state.Reasoning,
		}
	case nodeExploration:
		return map[string]interface{}{
			"current_focus":     state.CurrentFocus,
			"exploration_depth": state.ExplorationDepth,
			"reasoning":         state.Reasoning,
		}
	case nodeRelationshipExploration:
		return map[string]interface{}{
			"explored_relationships": len(state.ExploredRelationships),
			"discovered_nodes":       setToSlice(state.DiscoveredNodes),
			"context_pieces":         len(state.ContextPieces),
		}
	case nodeDecisionMaker:
		return map[string]interface{}{
			"should_continue":   state.ShouldContinue,
			"exploration_depth": state.ExplorationDepth,
			"max_depth":         state.MaxDepth,
			"reasoning":         state.Reasoning,
		}
	case nodeContextSynthesis:
		return map[string]interface{}{
			"context_pieces": len(state.ContextPieces),
			"reasoning":      state.Reasoning,
		}
	default:
		return nil
	}
}

func setToSlice(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}
