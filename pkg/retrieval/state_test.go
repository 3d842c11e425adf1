package retrieval

import (
	"encoding/json"
	"testing"
)

func TestContextPieceJSONShapes(t *testing.T) {
	bundle := []ContextPiece{
		TextPiece("Aspirin treats Headache"),
		ImagePiece("BP Chart", "Monthly readings", "aW1n"),
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	// Text pieces serialize as bare strings, image pieces as objects.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw failed: %v", err)
	}
	if raw[0][0] != '"' {
		t.Errorf("text piece did not marshal as a string: %s", raw[0])
	}
	if raw[1][0] != '{' {
		t.Errorf("image piece did not marshal as an object: %s", raw[1])
	}

	var decoded []ContextPiece
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded[0].IsImage() || decoded[0].Text != "Aspirin treats Headache" {
		t.Errorf("text piece mangled: %+v", decoded[0])
	}
	if !decoded[1].IsImage() || decoded[1].Name != "BP Chart" || decoded[1].Base64 != "aW1n" {
		t.Errorf("image piece mangled: %+v", decoded[1])
	}
}

func TestNewAgentStateDefaults(t *testing.T) {
	state := NewAgentState("q", 0)
	if state.MaxDepth != DefaultMaxDepth {
		t.Errorf("expected default max depth %d, got %d", DefaultMaxDepth, state.MaxDepth)
	}
	if !state.ShouldContinue {
		t.Error("fresh state should be marked continuing")
	}
	if state.DiscoveredNodes == nil || state.ExploredNodes == nil || state.ExploredRelationships == nil {
		t.Error("state sets not initialized")
	}

	state = NewAgentState("q", 7)
	if state.MaxDepth != 7 {
		t.Errorf("explicit max depth ignored, got %d", state.MaxDepth)
	}
}

func TestRecentContextWindow(t *testing.T) {
	state := NewAgentState("q", 3)
	for _, text := range []string{"one", "two", "three", "four"} {
		state.ContextPieces = append(state.ContextPieces, TextPiece(text))
	}

	recent := state.recentContext(2)
	if len(recent) != 2 || recent[0] != "three" || recent[1] != "four" {
		t.Errorf("expected last two pieces oldest first, got %v", recent)
	}

	recent = state.recentContext(10)
	if len(recent) != 4 {
		t.Errorf("window larger than history should return everything, got %d", len(recent))
	}
}
