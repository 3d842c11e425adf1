package oracle

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

// fakeLLM returns a canned response or error for every call.
type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestPrioritizeNodes(t *testing.T) {
	candidates := []string{"Aspirin", "Headache", "Dr. Smith"}

	tests := []struct {
		name     string
		response string
		err      error
		want     []string
	}{
		{
			name:     "Full ranking",
			response: "Headache, Aspirin, Dr. Smith",
			want:     []string{"Headache", "Aspirin", "Dr. Smith"},
		},
		{
			name:     "Case-shifted answers map back",
			response: "headache, ASPIRIN",
			want:     []string{"Headache", "Aspirin", "Dr. Smith"},
		},
		{
			name:     "Hallucinated names discarded",
			response: "Ibuprofen, Headache",
			want:     []string{"Headache", "Aspirin", "Dr. Smith"},
		},
		{
			name:     "Duplicates collapsed",
			response: "Aspirin, Aspirin, Headache",
			want:     []string{"Aspirin", "Headache", "Dr. Smith"},
		},
		{
			name: "LLM failure keeps input order",
			err:  errors.New("rate limited"),
			want: []string{"Aspirin", "Headache", "Dr. Smith"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&fakeLLM{response: tt.response, err: tt.err})
			got := c.PrioritizeNodes(context.Background(), "q", candidates)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PrioritizeNodes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrioritizeNodesSkipsModelForTrivialInput(t *testing.T) {
	c := NewClient(&fakeLLM{err: errors.New("must not be called")})

	got := c.PrioritizeNodes(context.Background(), "q", []string{"Only"})
	if !reflect.DeepEqual(got, []string{"Only"}) {
		t.Errorf("single candidate should pass through, got %v", got)
	}

	if got := c.PrioritizeNodes(context.Background(), "q", nil); len(got) != 0 {
		t.Errorf("empty candidates should return empty, got %v", got)
	}
}

func TestFilterRelationships(t *testing.T) {
	rendered := []string{
		"Aspirin treats Headache",
		"Aspirin manufactured by Bayer",
		"Aspirin interacts with Warfarin",
	}

	tests := []struct {
		name     string
		response string
		err      error
		want     []string
	}{
		{
			name:     "Subset preserves input order",
			response: "Aspirin interacts with Warfarin\nAspirin treats Headache",
			want:     []string{"Aspirin treats Headache", "Aspirin interacts with Warfarin"},
		},
		{
			name:     "Inexact lines dropped",
			response: "Aspirin treats headaches\nAspirin treats Headache",
			want:     []string{"Aspirin treats Headache"},
		},
		{
			name: "LLM failure keeps everything",
			err:  errors.New("timeout"),
			want: rendered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&fakeLLM{response: tt.response, err: tt.err})
			got := c.FilterRelationships(context.Background(), "q", "Aspirin", rendered)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterRelationships() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterRelationshipsEmptyInput(t *testing.T) {
	c := NewClient(&fakeLLM{err: errors.New("must not be called")})
	if got := c.FilterRelationships(context.Background(), "q", "f", nil); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestShouldContinue(t *testing.T) {
	recent := []string{"some finding"}

	tests := []struct {
		name     string
		response string
		err      error
		depth    int
		maxDepth int
		want     bool
	}{
		{"Yes answer", "yes", nil, 1, 3, true},
		{"No answer", "no", nil, 1, 3, false},
		{"Padded answer", "  Yes\n", nil, 1, 3, true},
		{"Malformed below bound", "maybe, who knows", nil, 1, 3, true},
		{"Malformed at bound", "maybe, who knows", nil, 3, 3, false},
		{"Error below bound", "", errors.New("down"), 2, 3, true},
		{"Error at bound", "", errors.New("down"), 3, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&fakeLLM{response: tt.response, err: tt.err})
			got := c.ShouldContinue(context.Background(), "q", recent, tt.depth, tt.maxDepth)
			if got != tt.want {
				t.Errorf("ShouldContinue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldContinueWithNoContext(t *testing.T) {
	c := NewClient(&fakeLLM{response: "no"})
	if !c.ShouldContinue(context.Background(), "q", nil, 1, 3) {
		t.Error("empty recent context must continue without asking the model")
	}
}

func TestSynthesizeContext(t *testing.T) {
	pieces := []string{"a", "b", "c"}

	c := NewClient(&fakeLLM{response: "c\na"})
	ranked, ok := c.SynthesizeContext(context.Background(), "q", pieces)
	if !ok {
		t.Fatal("expected usable ranking")
	}
	if !reflect.DeepEqual(ranked, []string{"c", "a"}) {
		t.Errorf("ranked = %v", ranked)
	}

	c = NewClient(&fakeLLM{err: errors.New("down")})
	if _, ok := c.SynthesizeContext(context.Background(), "q", pieces); ok {
		t.Error("failure must report no usable ranking")
	}

	c = NewClient(&fakeLLM{response: "   \n  "})
	if _, ok := c.SynthesizeContext(context.Background(), "q", pieces); ok {
		t.Error("blank response must report no usable ranking")
	}

	c = NewClient(&fakeLLM{err: errors.New("must not be called")})
	if _, ok := c.SynthesizeContext(context.Background(), "q", nil); ok {
		t.Error("empty input must skip the model")
	}
}

func TestExtractKeywords(t *testing.T) {
	c := NewClient(&fakeLLM{response: "blood pressure, medication history"})
	got := c.ExtractKeywords(context.Background(), "q")
	want := []string{"blood pressure", "medication history"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractKeywords() = %v, want %v", got, want)
	}

	c = NewClient(&fakeLLM{err: errors.New("down")})
	if got := c.ExtractKeywords(context.Background(), "q"); got != nil {
		t.Errorf("failure should yield no keywords, got %v", got)
	}
}
