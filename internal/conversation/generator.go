// ABOUTME: Generator is the pluggable text-generation capability driven by the turn executor
// ABOUTME: A generation step streams Chunks that fold into a Generation of text or tool calls

package conversation

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/tools"
)

// GenerateRequest is the input of one generation step.
type GenerateRequest struct {
	ThreadID uuid.UUID
	Messages []store.Message
	Tools    []tools.Definition
}

// Chunk is one piece of a streamed generation step.
// A chunk with Err set ends the step with a failure.
type Chunk struct {
	Text      string
	ToolCalls []store.ToolCall
	Err       error
}

// Generator produces the next assistant step for a conversation.
// The returned channel must be closed when the step is complete.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (<-chan Chunk, error)
}

// GenerationKind tags the outcome of a generation step.
type GenerationKind int

const (
	GenerationText GenerationKind = iota
	GenerationToolCalls
)

func (k GenerationKind) String() string {
	if k == GenerationToolCalls {
		return "tool_calls"
	}
	return "text"
}

// Generation is a completed generation step.
type Generation struct {
	Kind      GenerationKind
	Text      string
	ToolCalls []store.ToolCall
}

// generationBuilder folds chunks into a Generation.
type generationBuilder struct {
	text  strings.Builder
	calls []store.ToolCall
}

func (b *generationBuilder) add(c Chunk) {
	if c.Text != "" {
		b.text.WriteString(c.Text)
	}
	b.calls = append(b.calls, c.ToolCalls...)
}

func (b *generationBuilder) build() Generation {
	g := Generation{
		Kind: GenerationText,
		Text: b.text.String(),
	}
	if len(b.calls) > 0 {
		g.Kind = GenerationToolCalls
		g.ToolCalls = make([]store.ToolCall, len(b.calls))
		for i, call := range b.calls {
			if call.ID == "" {
				call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			g.ToolCalls[i] = call
		}
	}
	return g
}
