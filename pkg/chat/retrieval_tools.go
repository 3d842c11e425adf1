package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/XIN2025/health-assistant/pkg/config"
	"github.com/XIN2025/health-assistant/pkg/graphstore"
	"github.com/XIN2025/health-assistant/pkg/oracle"
	"github.com/XIN2025/health-assistant/pkg/retrieval"
	"github.com/XIN2025/health-assistant/pkg/vectorstore"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
)

type RetrievalToolset struct {
	Graph  *graphstore.Store
	Index  *vectorstore.EntityIndex
	Oracle *oracle.Client
	config *config.Config
}

func NewRetrievalToolset(graph *graphstore.Store, index *vectorstore.EntityIndex, oracleClient *oracle.Client, config *config.Config) *RetrievalToolset {
	return &RetrievalToolset{
		Graph:  graph,
		Index:  index,
		Oracle: oracleClient,
		config: config,
	}
}

func (t *RetrievalToolset) Name() string {
	return "retrieval_tools"
}

func (t *RetrievalToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	retrieveTool, err := functiontool.New[RetrieveContextArgs, RetrieveContextResp](
		functiontool.Config{
			Name:        "retrieve_context",
			Description: "Explore the health knowledge graph and retrieve ranked context for a question.",
		},
		t.retrieveContextTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieve tool: %w", err)
	}

	searchTool, err := functiontool.New[SearchEntitiesArgs, SearchEntitiesResp](
		functiontool.Config{
			Name:        "search_entities",
			Description: "Find knowledge-graph entities semantically similar to a query.",
		},
		t.searchEntitiesTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search tool: %w", err)
	}

	relsTool, err := functiontool.New[EntityRelationshipsArgs, EntityRelationshipsResp](
		functiontool.Config{
			Name:        "entity_relationships",
			Description: "List the graph relationships an entity participates in.",
		},
		t.entityRelationshipsTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relationships tool: %w", err)
	}

	return []tool.Tool{retrieveTool, searchTool, relsTool}, nil
}

// --- Tool Implementations ---

type RetrieveContextArgs struct {
	Query    string `json:"query" description:"The question to retrieve context for"`
	MaxDepth int    `json:"maxDepth,omitempty" description:"Maximum graph exploration depth (default 3)"`
}

type RetrieveContextResp struct {
	Context string `json:"context"`
}

// Wrapper for ADK tool interface
func (t *RetrievalToolset) retrieveContextTool(ctx tool.Context, args RetrieveContextArgs) (RetrieveContextResp, error) {
	return t.RetrieveContext(ctx, args)
}

// Public method using standard context
func (t *RetrievalToolset) RetrieveContext(ctx context.Context, args RetrieveContextArgs) (RetrieveContextResp, error) {
	slog.Info("Retrieve context", "query", args.Query, "maxDepth", args.MaxDepth)

	engine := retrieval.NewEngine(t.Graph, t.Index, t.Oracle)
	engine.TopK = t.config.TopK
	pieces := engine.RetrieveContext(ctx, args.Query, args.MaxDepth)

	var lines []string
	for _, p := range pieces {
		if p.IsImage() {
			lines = append(lines, fmt.Sprintf("[Image: %s] %s", p.Name, p.Summary))
			continue
		}
		lines = append(lines, p.Text)
	}

	return RetrieveContextResp{Context: strings.Join(lines, "\n")}, nil
}

type SearchEntitiesArgs struct {
	Query string `json:"query" description:"The search query"`
	TopK  int    `json:"topK,omitempty" description:"Number of entities to return (default 5)"`
}

type SearchEntitiesResp struct {
	Entities string `json:"entities"`
}

// Wrapper for ADK tool interface
func (t *RetrievalToolset) searchEntitiesTool(ctx tool.Context, args SearchEntitiesArgs) (SearchEntitiesResp, error) {
	return t.SearchEntities(ctx, args)
}

// Public method using standard context
func (t *RetrievalToolset) SearchEntities(ctx context.Context, args SearchEntitiesArgs) (SearchEntitiesResp, error) {
	if args.TopK == 0 {
		args.TopK = t.config.TopK
	}

	slog.Info("Search entities", "query", args.Query, "topK", args.TopK)

	names, err := t.Index.Search(ctx, args.Query, args.TopK)
	if err != nil {
		return SearchEntitiesResp{}, fmt.Errorf("failed to search entities: %w", err)
	}

	return SearchEntitiesResp{Entities: strings.Join(names, "\n")}, nil
}

type EntityRelationshipsArgs struct {
	Entity string `json:"entity" description:"The entity name to list relationships for"`
}

type EntityRelationshipsResp struct {
	Relationships string `json:"relationships"`
}

// Wrapper for ADK tool interface
func (t *RetrievalToolset) entityRelationshipsTool(ctx tool.Context, args EntityRelationshipsArgs) (EntityRelationshipsResp, error) {
	return t.EntityRelationships(ctx, args)
}

// Public method using standard context
func (t *RetrievalToolset) EntityRelationships(ctx context.Context, args EntityRelationshipsArgs) (EntityRelationshipsResp, error) {
	rels, err := t.Graph.GetRelationships(ctx, args.Entity)
	if err != nil {
		return EntityRelationshipsResp{}, fmt.Errorf("failed to fetch relationships: %w", err)
	}

	var lines []string
	for _, rel := range rels {
		lines = append(lines, fmt.Sprintf("%s %s %s", rel.From, strings.ToLower(strings.ReplaceAll(rel.Type, "_", " ")), rel.To))
	}

	return EntityRelationshipsResp{Relationships: strings.Join(lines, "\n")}, nil
}
