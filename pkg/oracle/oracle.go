package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Client exposes the reasoning sub-tasks the retrieval workflow delegates to
// an LLM. Every method degrades to a deterministic fallback when the model
// fails or returns something unusable, so callers never see an error.
type Client struct {
	LLM    llms.Model
	Logger *slog.Logger
}

func NewClient(llm llms.Model) *Client {
	return &Client{
		LLM:    llm,
		Logger: slog.Default(),
	}
}

func (c *Client) complete(ctx context.Context, systemPrompt, input string) (string, error) {
	resp, err := c.LLM.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	})
	if err != nil {
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return resp.Choices[0].Content, nil
}

// ExtractKeywords pulls search keywords out of a query. Fallback: no
// keywords.
func (c *Client) ExtractKeywords(ctx context.Context, query string) []string {
	content, err := c.complete(ctx, keywordSystemPrompt, fmt.Sprintf("Query: %s", query))
	if err != nil {
		c.Logger.Warn("Keyword extraction failed, skipping", "error", err)
		return nil
	}
	return parseCommaList(content)
}

// PrioritizeNodes ranks candidate node names by relevance to the query.
// Names the model invents are discarded; candidates the model omits are kept
// at the end in their original order. Fallback: the input order, unchanged.
func (c *Client) PrioritizeNodes(ctx context.Context, query string, candidates []string) []string {
	if len(candidates) <= 1 {
		return append([]string(nil), candidates...)
	}

	input := fmt.Sprintf("Query: %s\n\nCandidate nodes:\n%s", query, strings.Join(candidates, ", "))
	content, err := c.complete(ctx, prioritizeSystemPrompt, input)
	if err != nil {
		c.Logger.Warn("Node prioritization failed, keeping original order", "error", err)
		return append([]string(nil), candidates...)
	}

	// Map lowercased candidate names back to their canonical spelling so a
	// case-shifted answer still counts.
	canonical := make(map[string]string, len(candidates))
	for _, name := range candidates {
		canonical[strings.ToLower(name)] = name
	}

	var ranked []string
	seen := make(map[string]bool, len(candidates))
	for _, name := range parseCommaList(content) {
		match, ok := canonical[strings.ToLower(name)]
		if !ok || seen[match] {
			continue
		}
		seen[match] = true
		ranked = append(ranked, match)
	}

	for _, name := range candidates {
		if !seen[name] {
			ranked = append(ranked, name)
		}
	}

	return ranked
}

// FilterRelationships returns the subset of rendered relationship lines the
// model judges relevant to the query and current focus. Matching back is by
// exact string equality; the result preserves input order. Fallback: every
// line is relevant.
func (c *Client) FilterRelationships(ctx context.Context, query, focus string, rendered []string) []string {
	if len(rendered) == 0 {
		return nil
	}

	input := fmt.Sprintf("Query: %s\nCurrent focus: %s\n\nRelationships:\n%s",
		query, focus, strings.Join(rendered, "\n"))
	content, err := c.complete(ctx, filterSystemPrompt, input)
	if err != nil {
		c.Logger.Warn("Relationship filtering failed, keeping all relationships", "error", err)
		return append([]string(nil), rendered...)
	}

	returned := make(map[string]bool)
	for _, line := range parseLines(content) {
		returned[line] = true
	}

	var relevant []string
	for _, line := range rendered {
		if returned[line] {
			relevant = append(relevant, line)
		}
	}

	return relevant
}

// ShouldContinue decides whether exploration should run another cycle.
// An empty recent-context window always continues without consulting the
// model. Fallback for failures or non-yes/no answers: continue while below
// the depth bound.
func (c *Client) ShouldContinue(ctx context.Context, query string, recentContext []string, depth, maxDepth int) bool {
	if len(recentContext) == 0 {
		return true
	}

	input := fmt.Sprintf("Query: %s\n\nRecent findings:\n%s\n\nExploration depth: %d/%d",
		query, strings.Join(recentContext, "\n"), depth, maxDepth)
	content, err := c.complete(ctx, continueSystemPrompt, input)
	if err != nil {
		c.Logger.Warn("Continuation decision failed, deferring to depth bound", "error", err)
		return depth < maxDepth
	}

	switch strings.ToLower(strings.TrimSpace(content)) {
	case "yes":
		return true
	case "no":
		return false
	default:
		c.Logger.Warn("Continuation decision returned malformed answer, deferring to depth bound", "answer", content)
		return depth < maxDepth
	}
}

// SynthesizeContext asks the model to rank and deduplicate the gathered
// context, one relevant statement per line. The second return reports
// whether the model produced a usable ranking; callers keep their own list
// when it is false.
func (c *Client) SynthesizeContext(ctx context.Context, query string, pieces []string) ([]string, bool) {
	if len(pieces) == 0 {
		return nil, false
	}

	input := fmt.Sprintf("Query: %s\n\nContext:\n%s", query, strings.Join(pieces, "\n"))
	content, err := c.complete(ctx, synthesizeSystemPrompt, input)
	if err != nil {
		c.Logger.Warn("Context synthesis failed, keeping gathered context", "error", err)
		return nil, false
	}

	ranked := parseLines(content)
	if len(ranked) == 0 {
		return nil, false
	}
	return ranked, true
}

func parseCommaList(content string) []string {
	var items []string
	for _, part := range strings.Split(content, ",") {
		if item := strings.TrimSpace(part); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
