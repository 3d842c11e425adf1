package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/XIN2025/health-assistant/pkg/graphstore"
)

// --- Fakes ---

type fakeGraph struct {
	entities      []graphstore.Entity
	relationships []graphstore.Relationship

	entitiesErr error
	relsErr     error
}

func (g *fakeGraph) GetAllEntities(ctx context.Context) ([]graphstore.Entity, error) {
	if g.entitiesErr != nil {
		return nil, g.entitiesErr
	}
	return g.entities, nil
}

func (g *fakeGraph) GetEntityByName(ctx context.Context, name string) (*graphstore.Entity, error) {
	if g.entitiesErr != nil {
		return nil, g.entitiesErr
	}
	lowered := strings.ToLower(name)
	for _, e := range g.entities {
		if strings.Contains(strings.ToLower(e.Name), lowered) {
			ent := e
			return &ent, nil
		}
	}
	return nil, nil
}

func (g *fakeGraph) GetEntitiesByType(ctx context.Context, entityType string) ([]graphstore.Entity, error) {
	if g.entitiesErr != nil {
		return nil, g.entitiesErr
	}
	var out []graphstore.Entity
	for _, e := range g.entities {
		if strings.EqualFold(e.Type, entityType) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *fakeGraph) GetRelationships(ctx context.Context, entityName string) ([]graphstore.Relationship, error) {
	if g.relsErr != nil {
		return nil, g.relsErr
	}
	lowered := strings.ToLower(entityName)
	var out []graphstore.Relationship
	for _, r := range g.relationships {
		if strings.Contains(strings.ToLower(r.From), lowered) || strings.Contains(strings.ToLower(r.To), lowered) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeIndex struct {
	results map[string][]string
	err     error
	calls   int
}

func (i *fakeIndex) Search(ctx context.Context, query string, topK int) ([]string, error) {
	i.calls++
	if i.err != nil {
		return nil, i.err
	}
	return i.results[query], nil
}

// fakeOracle defaults to the deterministic fallbacks; function fields
// override individual decisions.
type fakeOracle struct {
	extractKeywords     func(query string) []string
	prioritizeNodes     func(query string, candidates []string) []string
	filterRelationships func(query, focus string, rendered []string) []string
	shouldContinue      func(query string, recentContext []string, depth, maxDepth int) bool
	synthesizeContext   func(query string, pieces []string) ([]string, bool)

	continueCalls int
}

func (o *fakeOracle) ExtractKeywords(ctx context.Context, query string) []string {
	if o.extractKeywords != nil {
		return o.extractKeywords(query)
	}
	return nil
}

func (o *fakeOracle) PrioritizeNodes(ctx context.Context, query string, candidates []string) []string {
	if o.prioritizeNodes != nil {
		return o.prioritizeNodes(query, candidates)
	}
	return candidates
}

func (o *fakeOracle) FilterRelationships(ctx context.Context, query, focus string, rendered []string) []string {
	if o.filterRelationships != nil {
		return o.filterRelationships(query, focus, rendered)
	}
	return rendered
}

func (o *fakeOracle) ShouldContinue(ctx context.Context, query string, recentContext []string, depth, maxDepth int) bool {
	o.continueCalls++
	if o.shouldContinue != nil {
		return o.shouldContinue(query, recentContext, depth, maxDepth)
	}
	return depth < maxDepth
}

func (o *fakeOracle) SynthesizeContext(ctx context.Context, query string, pieces []string) ([]string, bool) {
	if o.synthesizeContext != nil {
		return o.synthesizeContext(query, pieces)
	}
	return nil, false
}

func newTestEngine(graph *fakeGraph, index *fakeIndex, oracle *fakeOracle) *Engine {
	return NewEngine(graph, index, oracle)
}

func medicalGraph() *fakeGraph {
	return &fakeGraph{
		entities: []graphstore.Entity{
			{Name: "Dr. Smith", Type: "doctor", Description: "A cardiologist at the city hospital"},
			{Name: "Hypertension", Type: "condition", Description: "High blood pressure"},
			{Name: "Lisinopril", Type: "medication", Description: "An ACE inhibitor"},
			{Name: "Blood Pressure Chart", Type: "image", Description: "Monthly readings", ImageData: "aW1n"},
		},
		relationships: []graphstore.Relationship{
			{From: "Dr. Smith", Type: "TREATS", To: "Hypertension"},
			{From: "Lisinopril", Type: "PRESCRIBED_FOR", To: "Hypertension"},
		},
	}
}

// --- Workflow tests ---

func TestRetrieveContextExploresGraph(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{
		"What does Dr. Smith treat?": {"Dr. Smith"},
	}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	pieces := engine.RetrieveContext(context.Background(), "What does Dr. Smith treat?", 3)

	if len(pieces) == 0 {
		t.Fatal("expected context pieces, got none")
	}

	var all []string
	for _, p := range pieces {
		all = append(all, p.String())
	}
	joined := strings.Join(all, "\n")

	if !strings.Contains(joined, "Dr. Smith treats Hypertension") {
		t.Errorf("expected treats relationship in context, got:\n%s", joined)
	}
	if !strings.Contains(joined, "Dr. Smith") || !strings.Contains(joined, "cardiologist") {
		t.Errorf("expected focus entity description in context, got:\n%s", joined)
	}
}

func TestRetrieveContextEmptyDiscovery(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	pieces := engine.RetrieveContext(context.Background(), "something unrelated", 3)

	if len(pieces) != 0 {
		t.Errorf("expected empty context for empty discovery, got %d pieces", len(pieces))
	}
	if oracle.continueCalls != 0 {
		t.Errorf("decision oracle should not run after exploration concludes, got %d calls", oracle.continueCalls)
	}
}

func TestRetrieveContextNeverErrorsOnIndexFailure(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{err: errors.New("connection refused")}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	pieces := engine.RetrieveContext(context.Background(), "What does Dr. Smith treat?", 3)

	if len(pieces) != 0 {
		t.Errorf("expected empty context when index is down, got %d pieces", len(pieces))
	}
}

func TestRetrieveContextDepthBound(t *testing.T) {
	// A fully connected graph with an always-continue oracle must still stop
	// at max depth.
	graph := &fakeGraph{}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("Node%02d", i)
		graph.entities = append(graph.entities, graphstore.Entity{Name: name, Type: "condition"})
		graph.relationships = append(graph.relationships, graphstore.Relationship{
			From: name, Type: "RELATED_TO", To: fmt.Sprintf("Node%02d", (i+1)%20),
		})
	}

	index := &fakeIndex{results: map[string][]string{"q": {"Node00"}}}
	oracle := &fakeOracle{
		shouldContinue: func(string, []string, int, int) bool { return true },
	}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("q", 3)
	engine.run(context.Background(), state, nil)

	if state.ExplorationDepth > state.MaxDepth {
		t.Errorf("exploration depth %d exceeded max %d", state.ExplorationDepth, state.MaxDepth)
	}
	if state.ShouldContinue {
		t.Error("workflow ended with should_continue still true")
	}
	if state.ExplorationDepth != 3 {
		t.Errorf("expected exactly 3 exploration cycles, got %d", state.ExplorationDepth)
	}
}

func TestRetrieveContextAllOracleFailuresTerminates(t *testing.T) {
	// Every oracle decision on its fallback path: prioritize keeps order,
	// filter keeps all, continue defers to the depth bound. The run must
	// still terminate at max depth with usable context.
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{"q": {"Dr. Smith", "Hypertension"}}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("q", 2)
	engine.run(context.Background(), state, nil)

	if state.ShouldContinue {
		t.Error("workflow did not terminate")
	}
	if state.ExplorationDepth > 2 {
		t.Errorf("depth %d exceeded bound 2", state.ExplorationDepth)
	}
	if len(state.ContextPieces) == 0 {
		t.Error("expected context despite oracle fallbacks")
	}
}

func TestExploredSubsetOfDiscovered(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{"q": {"Dr. Smith", "Lisinopril"}}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("q", 5)
	engine.run(context.Background(), state, nil)

	for name := range state.ExploredNodes {
		if !state.DiscoveredNodes[name] {
			t.Errorf("explored node %q was never discovered", name)
		}
	}
}

func TestRelationshipDeduplication(t *testing.T) {
	// Both endpoints of the same edge get explored; the shared relationship
	// must appear in the context exactly once.
	graph := &fakeGraph{
		entities: []graphstore.Entity{
			{Name: "Aspirin", Type: "medication"},
			{Name: "Headache", Type: "condition"},
		},
		relationships: []graphstore.Relationship{
			{From: "Aspirin", Type: "TREATS", To: "Headache"},
		},
	}
	index := &fakeIndex{results: map[string][]string{"q": {"Aspirin", "Headache"}}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("q", 5)
	engine.run(context.Background(), state, nil)

	count := 0
	for _, p := range state.ContextPieces {
		if p.Text == "Aspirin treats Headache" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected relationship exactly once in context, got %d", count)
	}
	if len(state.ExploredRelationships) != 1 {
		t.Errorf("expected 1 explored relationship key, got %d", len(state.ExploredRelationships))
	}
}

func TestRelationshipTargetsBecomeDiscovered(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{"q": {"Dr. Smith"}}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("q", 5)
	engine.run(context.Background(), state, nil)

	if !state.DiscoveredNodes["Hypertension"] {
		t.Error("relationship target Hypertension was not added to discovered nodes")
	}
}

func TestImageQueryOverride(t *testing.T) {
	graph := medicalGraph()
	// The index knows nothing about the chart; the override must pull it in
	// anyway because the query asks for a diagram.
	index := &fakeIndex{results: map[string][]string{
		"show me the blood pressure diagram": {"Hypertension"},
	}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("show me the blood pressure diagram", 3)
	engine.run(context.Background(), state, nil)

	if !state.DiscoveredNodes["Blood Pressure Chart"] {
		t.Fatal("image entity not unioned into discovered nodes")
	}

	found := false
	for _, p := range state.ContextPieces {
		if p.IsImage() && p.Name == "Blood Pressure Chart" {
			found = true
			if p.Base64 != "aW1n" {
				t.Errorf("image piece lost base64 payload: %q", p.Base64)
			}
		}
	}
	if !found {
		t.Error("expected an image piece in the synthesized context")
	}
}

func TestImageNodesExploredFirst(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{
		"show me the chart": {"Hypertension", "Blood Pressure Chart"},
	}}
	oracle := &fakeOracle{}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("show me the chart", 5)
	engine.nodeExploration(context.Background(), state) // no discovery yet
	if state.ShouldContinue {
		t.Fatal("exploration with no discovered nodes should conclude the run")
	}

	state = NewAgentState("show me the chart", 5)
	engine.similaritySearch(context.Background(), state)
	engine.nodeExploration(context.Background(), state)

	if state.CurrentFocus != "Blood Pressure Chart" {
		t.Errorf("expected image node explored first, got focus %q", state.CurrentFocus)
	}
}

func TestDecisionMakerTerminalIsSticky(t *testing.T) {
	oracle := &fakeOracle{
		shouldContinue: func(string, []string, int, int) bool { return true },
	}
	engine := newTestEngine(&fakeGraph{}, &fakeIndex{}, oracle)

	state := NewAgentState("q", 3)
	state.ShouldContinue = false
	state.Reasoning = "All discovered nodes have been explored"

	engine.decisionMaker(context.Background(), state)

	if state.ShouldContinue {
		t.Error("terminal decision flipped back to continue")
	}
	if oracle.continueCalls != 0 {
		t.Errorf("oracle consulted after terminal decision, %d calls", oracle.continueCalls)
	}
	if state.Reasoning != "All discovered nodes have been explored" {
		t.Errorf("terminal reasoning overwritten: %q", state.Reasoning)
	}
}

func TestDecisionMakerHardBoundBeatsOracle(t *testing.T) {
	oracle := &fakeOracle{
		shouldContinue: func(string, []string, int, int) bool { return true },
	}
	engine := newTestEngine(&fakeGraph{}, &fakeIndex{}, oracle)

	state := NewAgentState("q", 2)
	state.ExplorationDepth = 2

	engine.decisionMaker(context.Background(), state)

	if state.ShouldContinue {
		t.Error("decision maker ignored the depth bound")
	}
	if oracle.continueCalls != 0 {
		t.Error("oracle consulted despite depth bound being reached")
	}
}

func TestDecisionMakerRespectsCancellation(t *testing.T) {
	oracle := &fakeOracle{
		shouldContinue: func(string, []string, int, int) bool { return true },
	}
	engine := newTestEngine(&fakeGraph{}, &fakeIndex{}, oracle)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := NewAgentState("q", 5)
	state.ExplorationDepth = 1

	engine.decisionMaker(ctx, state)

	if state.ShouldContinue {
		t.Error("decision maker continued on a cancelled context")
	}
}

func TestKeywordRecoveryOnlyWhenQueryFindsNothing(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{
		"blood pressure": {"Hypertension"},
	}}
	oracle := &fakeOracle{
		extractKeywords: func(string) []string { return []string{"blood pressure"} },
	}

	engine := newTestEngine(graph, index, oracle)
	state := NewAgentState("tell me about my numbers", 3)
	engine.similaritySearch(context.Background(), state)

	if !state.DiscoveredNodes["Hypertension"] {
		t.Error("keyword recovery pass did not run for an empty raw-query result")
	}

	// With a raw-query hit, the recovery pass stays out of the way.
	index2 := &fakeIndex{results: map[string][]string{"q": {"Dr. Smith"}}}
	keywordCalled := false
	oracle2 := &fakeOracle{
		extractKeywords: func(string) []string {
			keywordCalled = true
			return []string{"ignored"}
		},
	}
	engine2 := newTestEngine(graph, index2, oracle2)
	state2 := NewAgentState("q", 3)
	engine2.similaritySearch(context.Background(), state2)

	if keywordCalled {
		t.Error("keyword extraction ran even though the raw query found nodes")
	}
}

func TestSynthesisRerankPreservesImages(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{
		"show me the diagram": {"Dr. Smith"},
	}}
	oracle := &fakeOracle{
		synthesizeContext: func(query string, pieces []string) ([]string, bool) {
			// Model keeps just one line.
			if len(pieces) == 0 {
				return nil, false
			}
			return pieces[:1], true
		},
	}

	engine := newTestEngine(graph, index, oracle)
	pieces := engine.RetrieveContext(context.Background(), "show me the diagram", 3)

	textCount, imageCount := 0, 0
	for _, p := range pieces {
		if p.IsImage() {
			imageCount++
		} else {
			textCount++
		}
	}
	if textCount != 1 {
		t.Errorf("expected 1 text piece after re-rank, got %d", textCount)
	}
	if imageCount == 0 {
		t.Error("re-rank dropped the image pieces")
	}
}

func TestContextSynthesisMatchesTitlePrefixedNames(t *testing.T) {
	graph := medicalGraph()
	engine := newTestEngine(graph, &fakeIndex{}, &fakeOracle{})

	state := NewAgentState("q", 3)
	state.DiscoveredNodes["Smith"] = true

	engine.contextSynthesis(context.Background(), state)

	found := false
	for _, p := range state.ContextPieces {
		if strings.Contains(p.Text, "Dr. Smith") {
			found = true
		}
	}
	if !found {
		t.Error("node \"Smith\" did not match entity \"Dr. Smith\" during synthesis")
	}
}

func TestStreamEventOrdering(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{"q": {"Dr. Smith"}}}
	engine := newTestEngine(graph, index, &fakeOracle{})

	var events []Event
	for event := range engine.RetrieveContextStream(context.Background(), "q", 2) {
		events = append(events, event)
	}

	if len(events) == 0 {
		t.Fatal("no events emitted")
	}

	last := events[len(events)-1]
	if last.Node != "workflow" || last.Status != StatusFinalContext {
		t.Errorf("expected closing final_context event, got %s/%s", last.Node, last.Status)
	}

	if events[0].Node != "similarity_search" || events[0].Status != StatusStarted {
		t.Errorf("expected similarity_search started first, got %s/%s", events[0].Node, events[0].Status)
	}

	// Per-node ordering: started precedes update precedes finished.
	seen := make(map[string]string)
	for _, ev := range events[:len(events)-1] {
		prev := seen[ev.Node]
		switch ev.Status {
		case StatusStarted:
			if prev != "" && prev != StatusFinished {
				t.Errorf("node %s restarted from status %s", ev.Node, prev)
			}
		case StatusUpdate:
			if prev != StatusStarted {
				t.Errorf("node %s updated from status %s", ev.Node, prev)
			}
		case StatusFinished:
			if prev != StatusUpdate {
				t.Errorf("node %s finished from status %s", ev.Node, prev)
			}
		}
		seen[ev.Node] = ev.Status
	}
}

func TestStreamConsumerCanStopEarly(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{"q": {"Dr. Smith"}}}
	engine := newTestEngine(graph, index, &fakeOracle{})

	count := 0
	for range engine.RetrieveContextStream(context.Background(), "q", 3) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("expected iteration to stop at 2 events, got %d", count)
	}
}

func TestOnStateUpdateReceivesSnapshots(t *testing.T) {
	graph := medicalGraph()
	index := &fakeIndex{results: map[string][]string{"q": {"Dr. Smith"}}}
	engine := newTestEngine(graph, index, &fakeOracle{})

	var snapshots []AgentState
	engine.OnStateUpdate = func(state AgentState) {
		snapshots = append(snapshots, state)
	}

	engine.RetrieveContext(context.Background(), "q", 2)

	if len(snapshots) == 0 {
		t.Fatal("no state snapshots delivered")
	}
	final := snapshots[len(snapshots)-1]
	if final.ShouldContinue {
		t.Error("final snapshot still marked as continuing")
	}
}
