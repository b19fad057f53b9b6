// ABOUTME: Generator backed by an OpenAI-compatible chat completions API via go-openai
// ABOUTME: Streams content deltas and reassembles tool calls that arrive in fragments

package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/tools"
)

// Config configures the chat completions client.
type Config struct {
	APIKey       string
	BaseURL      string // empty uses the OpenAI endpoint
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Generator implements conversation.Generator.
type Generator struct {
	client *goopenai.Client
	cfg    Config
	logger *slog.Logger
}

var _ conversation.Generator = (*Generator)(nil)

// New creates a Generator.
func New(cfg Config, logger *slog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = goopenai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Generator{
		client: goopenai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "openai", "model", cfg.Model),
	}, nil
}

// Generate opens a streaming completion for the conversation so far.
func (g *Generator) Generate(ctx context.Context, req *conversation.GenerateRequest) (<-chan conversation.Chunk, error) {
	stream, err := g.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    g.toMessages(req.Messages),
		Tools:       toTools(req.Tools),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening completion stream: %w", err)
	}

	out := make(chan conversation.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(c conversation.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		calls := newCallAssembler()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(conversation.Chunk{Err: fmt.Errorf("reading completion stream: %w", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				calls.add(tc)
			}
			if delta.Content != "" {
				if !send(conversation.Chunk{Text: delta.Content}) {
					return
				}
			}
		}

		if assembled := calls.build(); len(assembled) > 0 {
			g.logger.Debug("model requested tools", "thread_id", req.ThreadID, "tool_calls", len(assembled))
			send(conversation.Chunk{ToolCalls: assembled})
		}
	}()

	return out, nil
}

func (g *Generator) toMessages(msgs []store.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs)+1)
	if g.cfg.SystemPrompt != "" {
		out = append(out, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: g.cfg.SystemPrompt,
		})
	}

	for _, m := range msgs {
		switch m.Role {
		case store.RoleUser:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case store.RoleAssistant:
			msg := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, msg)
		case store.RoleTool:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.ToolName,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func toTools(defs []tools.Definition) []goopenai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]goopenai.Tool, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// callAssembler merges streamed tool call fragments keyed by their index.
type callAssembler struct {
	calls map[int]*store.ToolCall
}

func newCallAssembler() *callAssembler {
	return &callAssembler{calls: make(map[int]*store.ToolCall)}
}

func (a *callAssembler) add(tc goopenai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := a.calls[idx]
	if !ok {
		call = &store.ToolCall{}
		a.calls[idx] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

func (a *callAssembler) build() []store.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]store.ToolCall, len(indexes))
	for i, idx := range indexes {
		out[i] = *a.calls[idx]
	}
	return out
}
