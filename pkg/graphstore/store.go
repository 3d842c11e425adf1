package graphstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entity is a named, typed node in the knowledge graph.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// ImageData carries base64-encoded image bytes for image-typed entities.
	ImageData string `json:"image_data,omitempty"`
}

// Relationship is a typed directed edge between two entities.
type Relationship struct {
	From string `json:"from"`
	Type string `json:"type"`
	To   string `json:"to"`
}

// Store reads and writes the knowledge graph in Postgres. The retrieval
// workflow only uses the read side; writes belong to the ingestion API.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetAllEntities returns every entity in the graph.
func (s *Store) GetAllEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, entity_type, COALESCE(description, ''), COALESCE(image_data, '')
		FROM entities
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Name, &e.Type, &e.Description, &e.ImageData); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// GetEntityByName looks up a single entity. Matching is case-insensitive and
// tolerates substring matches; an exact (case-insensitive) match wins over a
// partial one. Returns nil when nothing matches.
func (s *Store) GetEntityByName(ctx context.Context, name string) (*Entity, error) {
	var e Entity
	err := s.pool.QueryRow(ctx, `
		SELECT name, entity_type, COALESCE(description, ''), COALESCE(image_data, '')
		FROM entities
		WHERE name ILIKE '%' || $1 || '%'
		ORDER BY (LOWER(name) = LOWER($1)) DESC, LENGTH(name) ASC
		LIMIT 1
	`, name).Scan(&e.Name, &e.Type, &e.Description, &e.ImageData)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity %q: %w", name, err)
	}
	return &e, nil
}

// GetEntitiesByType returns every entity carrying the given type tag.
func (s *Store) GetEntitiesByType(ctx context.Context, entityType string) ([]Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, entity_type, COALESCE(description, ''), COALESCE(image_data, '')
		FROM entities
		WHERE LOWER(entity_type) = LOWER($1)
		ORDER BY name ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities of type %q: %w", entityType, err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Name, &e.Type, &e.Description, &e.ImageData); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// GetRelationships returns every edge touching the named entity, regardless
// of direction.
func (s *Store) GetRelationships(ctx context.Context, entityName string) ([]Relationship, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT from_entity, rel_type, to_entity
		FROM relationships
		WHERE from_entity ILIKE $1 OR to_entity ILIKE $1
		ORDER BY from_entity, rel_type, to_entity
	`, entityName)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships for %q: %w", entityName, err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.From, &r.Type, &r.To); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}

	return rels, nil
}

// UpsertEntity creates an entity or refreshes its type and description.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (name, entity_type, description, image_data)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (name) DO UPDATE
		SET entity_type = EXCLUDED.entity_type,
		    description = EXCLUDED.description,
		    image_data = EXCLUDED.image_data,
		    updated_at = NOW()
	`, e.Name, e.Type, e.Description, e.ImageData)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %q: %w", e.Name, err)
	}
	return nil
}

// DeleteEntity removes an entity and every edge it participates in.
func (s *Store) DeleteEntity(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM relationships WHERE from_entity = $1 OR to_entity = $1`, name); err != nil {
		return fmt.Errorf("failed to delete relationships for %q: %w", name, err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete entity %q: %w", name, err)
	}
	return nil
}

// AddRelationship records a directed edge. Duplicate edges are ignored.
func (s *Store) AddRelationship(ctx context.Context, r Relationship) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relationships (from_entity, rel_type, to_entity)
		VALUES ($1, $2, $3)
		ON CONFLICT (from_entity, rel_type, to_entity) DO NOTHING
	`, r.From, r.Type, r.To)
	if err != nil {
		return fmt.Errorf("failed to add relationship %s-%s-%s: %w", r.From, r.Type, r.To, err)
	}
	return nil
}
