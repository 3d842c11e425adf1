package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/XIN2025/health-assistant/pkg/graphstore"
)

// GraphStore is the read side of the knowledge graph consumed by the engine.
type GraphStore interface {
	GetAllEntities(ctx context.Context) ([]graphstore.Entity, error)
	GetEntityByName(ctx context.Context, name string) (*graphstore.Entity, error)
	GetEntitiesByType(ctx context.Context, entityType string) ([]graphstore.Entity, error)
	GetRelationships(ctx context.Context, entityName string) ([]graphstore.Relationship, error)
}

// SimilarityIndex maps free-text queries to ranked entity names.
type SimilarityIndex interface {
	Search(ctx context.Context, query string, topK int) ([]string, error)
}

// Oracle covers the reasoning sub-tasks delegated to a text-completion
// model. Implementations must degrade internally; none of these calls can
// fail from the engine's point of view.
type Oracle interface {
	ExtractKeywords(ctx context.Context, query string) []string
	PrioritizeNodes(ctx context.Context, query string, candidates []string) []string
	FilterRelationships(ctx context.Context, query, focus string, rendered []string) []string
	ShouldContinue(ctx context.Context, query string, recentContext []string, depth, maxDepth int) bool
	SynthesizeContext(ctx context.Context, query string, pieces []string) ([]string, bool)
}

// ImageEntityType is the entity type tag marking image content.
const ImageEntityType = "image"

// DefaultTopK is the similarity-search result count used when the engine is
// constructed without one.
const DefaultTopK = 5

// recentContextWindow is how many trailing context pieces the continuation
// decision sees. A fixed window bounds prompt size.
const recentContextWindow = 5

// imageKeywords triggers the visual-content override in similarity search
// and node prioritization.
var imageKeywords = []string{"image", "diagram", "figure", "chart", "photo", "picture", "graph", "illustration", "scan"}

func queryWantsImages(query string) bool {
	lowered := strings.ToLower(query)
	for _, kw := range imageKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// Engine runs the agentic context-retrieval workflow: a fixed graph of five
// nodes with one conditional edge, bounded by the state's max depth.
//
//	similarity_search -> node_exploration -> relationship_exploration
//	  -> decision_maker -> {node_exploration | context_synthesis}
type Engine struct {
	Graph  GraphStore
	Index  SimilarityIndex
	Oracle Oracle
	Logger *slog.Logger
	TopK   int

	// OnStateUpdate is invoked with a state snapshot after every node.
	// Used by callers that persist progress; nil is fine.
	OnStateUpdate func(state AgentState)
}

func NewEngine(graph GraphStore, index SimilarityIndex, oracle Oracle) *Engine {
	return &Engine{
		Graph:  graph,
		Index:  index,
		Oracle: oracle,
		Logger: slog.Default(),
		TopK:   DefaultTopK,
	}
}

// RetrieveContext runs the full workflow and returns the synthesized context
// pieces. It never returns an error: every upstream failure degrades to a
// smaller (possibly empty) context bundle.
func (e *Engine) RetrieveContext(ctx context.Context, query string, maxDepth int) []ContextPiece {
	state := NewAgentState(query, maxDepth)
	e.run(ctx, state, nil)
	return state.ContextPieces
}

// run drives the workflow to completion. emit, when non-nil, receives the
// streaming events; a false return from emit aborts the run early.
func (e *Engine) run(ctx context.Context, state *AgentState, emit func(Event) bool) {
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error("Retrieval workflow panicked", "panic", r, "query", state.Query)
		}
	}()

	if !e.runNode(ctx, state, nodeSimilaritySearch, e.similaritySearch, emit) {
		return
	}

	for {
		if !e.runNode(ctx, state, nodeExploration, e.nodeExploration, emit) {
			return
		}
		if !e.runNode(ctx, state, nodeRelationshipExploration, e.relationshipExploration, emit) {
			return
		}
		if !e.runNode(ctx, state, nodeDecisionMaker, e.decisionMaker, emit) {
			return
		}
		if !state.ShouldContinue {
			break
		}
	}

	if !e.runNode(ctx, state, nodeContextSynthesis, e.contextSynthesis, emit) {
		return
	}

	if emit != nil {
		emit(Event{Node: nodeWorkflow, Status: StatusFinalContext, Payload: state.ContextPieces})
	}
}

func (e *Engine) runNode(ctx context.Context, state *AgentState, name string, fn func(context.Context, *AgentState), emit func(Event) bool) bool {
	if emit != nil && !emit(Event{Node: name, Status: StatusStarted}) {
		return false
	}

	fn(ctx, state)

	if e.OnStateUpdate != nil {
		e.OnStateUpdate(*state)
	}
	if emit != nil {
		if !emit(Event{Node: name, Status: StatusUpdate, Payload: snapshotFor(name, state)}) {
			return false
		}
		if !emit(Event{Node: name, Status: StatusFinished}) {
			return false
		}
	}
	return true
}

// --- Node implementations ---

func (e *Engine) similaritySearch(ctx context.Context, state *AgentState) {
	discovered := make(map[string]bool)

	names, err := e.Index.Search(ctx, state.Query, e.topK())
	if err != nil {
		e.Logger.Warn("Similarity search failed", "error", err, "query", state.Query)
		state.DiscoveredNodes = discovered
		state.Reasoning = fmt.Sprintf("Similarity search failed: %v", err)
		e.unionImageEntities(ctx, state)
		return
	}

	for _, name := range names {
		if name != "" {
			discovered[name] = true
		}
	}

	// Recovery pass: when the raw query finds nothing, retry with extracted
	// keywords before giving up on the index.
	if len(discovered) == 0 {
		for _, kw := range e.Oracle.ExtractKeywords(ctx, state.Query) {
			more, kerr := e.Index.Search(ctx, kw, e.topK())
			if kerr != nil {
				e.Logger.Warn("Keyword search failed", "keyword", kw, "error", kerr)
				continue
			}
			for _, name := range more {
				if name != "" {
					discovered[name] = true
				}
			}
		}
	}

	state.DiscoveredNodes = discovered
	state.Reasoning = fmt.Sprintf("Found %d relevant nodes via similarity search", len(discovered))
	e.unionImageEntities(ctx, state)
}

// unionImageEntities applies the visual-content override: an image-flavored
// query pulls in every image-typed entity regardless of similarity ranking.
func (e *Engine) unionImageEntities(ctx context.Context, state *AgentState) {
	if !queryWantsImages(state.Query) {
		return
	}

	entities, err := e.Graph.GetEntitiesByType(ctx, ImageEntityType)
	if err != nil {
		e.Logger.Warn("Image entity lookup failed", "error", err)
		return
	}

	added := 0
	for _, ent := range entities {
		if !state.DiscoveredNodes[ent.Name] {
			state.DiscoveredNodes[ent.Name] = true
			added++
		}
	}
	if added > 0 {
		state.Reasoning = fmt.Sprintf("Found %d relevant nodes via similarity search (including %d image nodes)",
			len(state.DiscoveredNodes), added)
	}
}

func (e *Engine) nodeExploration(ctx context.Context, state *AgentState) {
	if len(state.DiscoveredNodes) == 0 {
		state.ShouldContinue = false
		state.Reasoning = "No nodes discovered to explore"
		return
	}

	var unexplored []string
	for name := range state.DiscoveredNodes {
		if !state.ExploredNodes[name] {
			unexplored = append(unexplored, name)
		}
	}
	if len(unexplored) == 0 {
		state.ShouldContinue = false
		state.Reasoning = "All discovered nodes have been explored"
		return
	}
	sort.Strings(unexplored)

	ranked := e.prioritizeNodes(ctx, state.Query, unexplored)
	focus := ranked[0]

	state.CurrentFocus = focus
	state.ExploredNodes[focus] = true
	state.ExplorationDepth++
	state.Reasoning = fmt.Sprintf("Exploring node %s (depth %d/%d)", focus, state.ExplorationDepth, state.MaxDepth)

	entity, err := e.Graph.GetEntityByName(ctx, focus)
	if err != nil {
		e.Logger.Warn("Entity lookup failed", "node", focus, "error", err)
		return
	}
	if entity == nil {
		e.Logger.Warn("No entity found for node", "node", focus)
		return
	}

	state.ContextPieces = append(state.ContextPieces, TextPiece(describeEntity(*entity)))
}

// prioritizeNodes orders exploration candidates. Image-typed candidates jump
// the queue for image-flavored queries; everything else is ranked by the
// oracle.
func (e *Engine) prioritizeNodes(ctx context.Context, query string, candidates []string) []string {
	if !queryWantsImages(query) {
		return e.Oracle.PrioritizeNodes(ctx, query, candidates)
	}

	imageNames := make(map[string]bool)
	if entities, err := e.Graph.GetEntitiesByType(ctx, ImageEntityType); err != nil {
		e.Logger.Warn("Image entity lookup failed during prioritization", "error", err)
	} else {
		for _, ent := range entities {
			imageNames[ent.Name] = true
		}
	}

	var images, rest []string
	for _, name := range candidates {
		if imageNames[name] {
			images = append(images, name)
		} else {
			rest = append(rest, name)
		}
	}
	if len(images) == 0 {
		return e.Oracle.PrioritizeNodes(ctx, query, candidates)
	}

	return append(images, e.Oracle.PrioritizeNodes(ctx, query, rest)...)
}

func (e *Engine) relationshipExploration(ctx context.Context, state *AgentState) {
	if state.CurrentFocus == "" {
		return
	}

	rels, err := e.Graph.GetRelationships(ctx, state.CurrentFocus)
	if err != nil {
		e.Logger.Warn("Relationship lookup failed", "node", state.CurrentFocus, "error", err)
		state.Reasoning = fmt.Sprintf("No relationships found for %s", state.CurrentFocus)
		return
	}
	if len(rels) == 0 {
		state.Reasoning = fmt.Sprintf("No relationships found for %s", state.CurrentFocus)
		return
	}

	rendered := make([]string, len(rels))
	byRendering := make(map[string]graphstore.Relationship, len(rels))
	for i, r := range rels {
		rendered[i] = renderRelationship(r)
		byRendering[rendered[i]] = r
	}

	relevant := e.Oracle.FilterRelationships(ctx, state.Query, state.CurrentFocus, rendered)

	added := 0
	for _, line := range relevant {
		rel, ok := byRendering[line]
		if !ok {
			continue
		}
		key := relationshipKey(rel)
		if state.ExploredRelationships[key] {
			continue
		}
		state.ExploredRelationships[key] = true
		state.ContextPieces = append(state.ContextPieces, TextPiece(line))
		added++

		if !state.DiscoveredNodes[rel.To] {
			state.DiscoveredNodes[rel.To] = true
		}
	}

	state.Reasoning = fmt.Sprintf("Explored %d relationships for %s (%d new)", len(relevant), state.CurrentFocus, added)
}

func (e *Engine) decisionMaker(ctx context.Context, state *AgentState) {
	// A node upstream may already have concluded the run. Exiting here keeps
	// the oracle out of the loop and the decision idempotent.
	if !state.ShouldContinue {
		if state.Reasoning == "" {
			state.Reasoning = "Exploration already concluded"
		}
		return
	}

	// The hard bound always wins over the oracle's opinion.
	if state.ExplorationDepth >= state.MaxDepth {
		state.ShouldContinue = false
		state.Reasoning = "Reached maximum exploration depth"
		return
	}

	if ctx.Err() != nil {
		state.ShouldContinue = false
		state.Reasoning = "Retrieval cancelled"
		return
	}

	state.ShouldContinue = e.Oracle.ShouldContinue(ctx, state.Query,
		state.recentContext(recentContextWindow), state.ExplorationDepth, state.MaxDepth)
	if state.ShouldContinue {
		state.Reasoning = fmt.Sprintf("Continuing exploration at depth %d/%d", state.ExplorationDepth, state.MaxDepth)
	} else {
		state.Reasoning = "Sufficient context gathered"
	}
}

func (e *Engine) contextSynthesis(ctx context.Context, state *AgentState) {
	entities, err := e.Graph.GetAllEntities(ctx)
	if err != nil {
		e.Logger.Warn("Entity listing failed during synthesis", "error", err)
		entities = nil
	}

	var discovered []string
	for name := range state.DiscoveredNodes {
		discovered = append(discovered, name)
	}
	sort.Strings(discovered)

	described := make(map[string]bool)
	for _, name := range discovered {
		for _, ent := range entities {
			if !nodeMatchesEntity(name, ent.Name) || described[ent.Name] {
				continue
			}
			described[ent.Name] = true

			if strings.EqualFold(ent.Type, ImageEntityType) {
				if !state.hasImagePiece(ent.Name) {
					state.ContextPieces = append(state.ContextPieces, ImagePiece(ent.Name, ent.Description, ent.ImageData))
				}
				continue
			}

			line := entityDescriptionLine(ent)
			if !state.hasTextPiece(line) {
				state.ContextPieces = append(state.ContextPieces, TextPiece(line))
			}
		}
	}

	// Oracle re-ranking covers text pieces only; image records pass through
	// untouched since downstream rendering branches on shape.
	var textLines []string
	var imagePieces []ContextPiece
	for _, p := range state.ContextPieces {
		if p.IsImage() {
			imagePieces = append(imagePieces, p)
		} else {
			textLines = append(textLines, p.Text)
		}
	}

	if ranked, ok := e.Oracle.SynthesizeContext(ctx, state.Query, textLines); ok {
		pieces := make([]ContextPiece, 0, len(ranked)+len(imagePieces))
		for _, line := range ranked {
			pieces = append(pieces, TextPiece(line))
		}
		state.ContextPieces = append(pieces, imagePieces...)
	}

	state.Reasoning = fmt.Sprintf("Synthesized %d context pieces", len(state.ContextPieces))
}

// --- Helpers ---

func (e *Engine) topK() int {
	if e.TopK > 0 {
		return e.TopK
	}
	return DefaultTopK
}

func describeEntity(ent graphstore.Entity) string {
	if ent.Description != "" {
		return fmt.Sprintf("%s is a %s: %s", ent.Name, ent.Type, ent.Description)
	}
	return fmt.Sprintf("%s is a %s", ent.Name, ent.Type)
}

func entityDescriptionLine(ent graphstore.Entity) string {
	if ent.Description != "" {
		return fmt.Sprintf("ENTITY DESCRIPTION: %s: %s", ent.Name, ent.Description)
	}
	return fmt.Sprintf("ENTITY DESCRIPTION: %s is a %s", ent.Name, ent.Type)
}

// renderRelationship produces the natural-language form used both for
// oracle filtering and as the context line, e.g. "Aspirin treats Headache".
func renderRelationship(r graphstore.Relationship) string {
	relType := strings.ToLower(strings.ReplaceAll(r.Type, "_", " "))
	return fmt.Sprintf("%s %s %s", r.From, relType, r.To)
}

// relationshipKey is the dedup key for an edge.
func relationshipKey(r graphstore.Relationship) string {
	return fmt.Sprintf("%s-%s-%s", r.From, r.Type, r.To)
}

// nodeMatchesEntity compares a discovered node name against an entity name:
// case-insensitive, title prefixes stripped, substring match in either
// direction.
func nodeMatchesEntity(node, entity string) bool {
	n := normalizeName(node)
	e := normalizeName(entity)
	if n == "" || e == "" {
		return false
	}
	return strings.Contains(n, e) || strings.Contains(e, n)
}

func normalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	for _, prefix := range []string{"dr. ", "dr "} {
		s = strings.TrimPrefix(s, prefix)
	}
	return s
}
