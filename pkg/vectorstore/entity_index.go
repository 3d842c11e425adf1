package vectorstore

import (
	"context"
	"fmt"

	"github.com/XIN2025/health-assistant/pkg/splitter"
)

// Embedder turns text into embedding vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EntityIndex maps free-text queries to ranked entity names by embedding
// distance. Each entity owns one or more vectors in the underlying pgvector
// store, tagged with an "entity" metadata key.
type EntityIndex struct {
	store    *PGVectorStore
	embedder Embedder
	splitter *splitter.TextSplitter
}

func NewEntityIndex(store *PGVectorStore, embedder Embedder, chunkSize, chunkOverlap int) *EntityIndex {
	return &EntityIndex{
		store:    store,
		embedder: embedder,
		splitter: splitter.NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap),
	}
}

// IndexEntity replaces the entity's vectors with fresh ones derived from its
// name, type, and description. Long descriptions are chunked, so one entity
// may own several vectors.
func (idx *EntityIndex) IndexEntity(ctx context.Context, name, entityType, description string) error {
	text := fmt.Sprintf("%s is a %s", name, entityType)
	if description != "" {
		text = fmt.Sprintf("%s: %s", text, description)
	}

	chunks, err := idx.splitter.SplitText(text)
	if err != nil {
		return fmt.Errorf("failed to split entity text: %w", err)
	}
	if len(chunks) == 0 {
		chunks = []string{text}
	}

	embeddings, err := idx.embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return fmt.Errorf("failed to embed entity %q: %w", name, err)
	}

	docs := make([]Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = Document{
			Content: chunk,
			Metadata: map[string]interface{}{
				"entity": name,
				"type":   entityType,
			},
			Embedding: embeddings[i],
		}
	}

	if err := idx.store.DeleteByEntity(ctx, name); err != nil {
		return err
	}
	return idx.store.AddDocuments(ctx, docs)
}

// RemoveEntity drops the entity's vectors from the index.
func (idx *EntityIndex) RemoveEntity(ctx context.Context, name string) error {
	return idx.store.DeleteByEntity(ctx, name)
}

// Search embeds the query and returns the names of the nearest entities,
// best first. One entity appearing in several chunks is reported once, at
// its best rank. May return fewer than topK names.
func (idx *EntityIndex) Search(ctx context.Context, query string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = 5
	}

	queryEmbedding, err := idx.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Over-fetch so chunk duplicates do not starve the result list.
	results, err := idx.store.SimilaritySearch(ctx, queryEmbedding, topK*3)
	if err != nil {
		return nil, err
	}

	var names []string
	seen := make(map[string]bool)
	for _, r := range results {
		name, ok := r.Document.Metadata["entity"].(string)
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
		if len(names) >= topK {
			break
		}
	}

	return names, nil
}
