package retrieval

import (
	"encoding/json"
	"fmt"
)

const (
	PieceTypeText  = "text"
	PieceTypeImage = "image"
)

// ContextPiece is one unit of synthesized evidence: either a plain text line
// or an image record. Text pieces marshal as bare JSON strings, image pieces
// as objects, so consumers branch on shape.
type ContextPiece struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Name    string `json:"name,omitempty"`
	Summary string `json:"summary,omitempty"`
	Base64  string `json:"base64,omitempty"`
}

func TextPiece(text string) ContextPiece {
	return ContextPiece{Type: PieceTypeText, Text: text}
}

func ImagePiece(name, summary, base64Data string) ContextPiece {
	return ContextPiece{Type: PieceTypeImage, Name: name, Summary: summary, Base64: base64Data}
}

func (p ContextPiece) IsImage() bool {
	return p.Type == PieceTypeImage
}

func (p ContextPiece) String() string {
	if p.IsImage() {
		return fmt.Sprintf("[image] %s: %s", p.Name, p.Summary)
	}
	return p.Text
}

func (p ContextPiece) MarshalJSON() ([]byte, error) {
	if p.IsImage() {
		type imageRecord struct {
			Type    string `json:"type"`
			Name    string `json:"name"`
			Summary string `json:"summary"`
			Base64  string `json:"base64"`
		}
		return json.Marshal(imageRecord{
			Type:    PieceTypeImage,
			Name:    p.Name,
			Summary: p.Summary,
			Base64:  p.Base64,
		})
	}
	return json.Marshal(p.Text)
}

func (p *ContextPiece) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*p = TextPiece(text)
		return nil
	}

	var record struct {
		Type    string `json:"type"`
		Name    string `json:"name"`
		Summary string `json:"summary"`
		Base64  string `json:"base64"`
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("context piece is neither string nor image record: %w", err)
	}
	*p = ImagePiece(record.Name, record.Summary, record.Base64)
	return nil
}

// AgentState is the mutable record threaded through one retrieval run. It is
// owned exclusively by the workflow engine and discarded when the run ends.
type AgentState struct {
	Query                 string          `json:"query"`
	DiscoveredNodes       map[string]bool `json:"discovered_nodes"`
	ExploredNodes         map[string]bool `json:"explored_nodes"`
	ExploredRelationships map[string]bool `json:"explored_relationships"`
	ContextPieces         []ContextPiece  `json:"context_pieces"`
	CurrentFocus          string          `json:"current_focus,omitempty"`
	ExplorationDepth      int             `json:"exploration_depth"`
	MaxDepth              int             `json:"max_depth"`
	ShouldContinue        bool            `json:"should_continue"`
	Reasoning             string          `json:"reasoning"`
}

// DefaultMaxDepth bounds exploration when the caller does not supply a depth.
const DefaultMaxDepth = 3

func NewAgentState(query string, maxDepth int) *AgentState {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &AgentState{
		Query:                 query,
		DiscoveredNodes:       make(map[string]bool),
		ExploredNodes:         make(map[string]bool),
		ExploredRelationships: make(map[string]bool),
		ContextPieces:         []ContextPiece{},
		MaxDepth:              maxDepth,
		ShouldContinue:        true,
	}
}

// hasTextPiece reports whether an identical text line is already present.
func (s *AgentState) hasTextPiece(text string) bool {
	for _, p := range s.ContextPieces {
		if !p.IsImage() && p.Text == text {
			return true
		}
	}
	return false
}

// hasImagePiece reports whether an image record for the named entity is
// already present.
func (s *AgentState) hasImagePiece(name string) bool {
	for _, p := range s.ContextPieces {
		if p.IsImage() && p.Name == name {
			return true
		}
	}
	return false
}

// recentContext returns up to n of the most recent context pieces rendered
// as text, oldest first.
func (s *AgentState) recentContext(n int) []string {
	start := len(s.ContextPieces) - n
	if start < 0 {
		start = 0
	}
	var recent []string
	for _, p := range s.ContextPieces[start:] {
		recent = append(recent, p.String())
	}
	return recent
}
