// ABOUTME: Offline Generator that echoes the user with markdown and fakes tool calls on request
// ABOUTME: Used for local development, demos, and end-to-end tests without a model provider

package fakemodel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/store"
)

// ToolPrefix starts a user message that asks for a tool call:
//
//	/tool calculator {"expression":"2+2"}
const ToolPrefix = "/tool "

// Echo streams a canned reply word by word.
type Echo struct {
	// Delay between streamed words. Zero streams as fast as the reader consumes.
	Delay time.Duration
}

var _ conversation.Generator = (*Echo)(nil)

// Generate answers the last message of the conversation.
func (e *Echo) Generate(ctx context.Context, req *conversation.GenerateRequest) (<-chan conversation.Chunk, error) {
	out := make(chan conversation.Chunk)
	go func() {
		defer close(out)

		reply, calls := e.respond(req)
		for _, word := range splitWords(reply) {
			select {
			case out <- conversation.Chunk{Text: word}:
			case <-ctx.Done():
				return
			}
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}
		}
		if len(calls) > 0 {
			select {
			case out <- conversation.Chunk{ToolCalls: calls}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (e *Echo) respond(req *conversation.GenerateRequest) (string, []store.ToolCall) {
	if len(req.Messages) == 0 {
		return "Nothing to echo.", nil
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role == store.RoleTool {
		return summarizeResults(req.Messages), nil
	}

	if call, ok := parseToolCommand(last.Content); ok {
		return "", []store.ToolCall{call}
	}
	return echoReply(last.Content), nil
}

// parseToolCommand reads "/tool <name> [json args]".
func parseToolCommand(input string) (store.ToolCall, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(input), ToolPrefix)
	if !ok {
		return store.ToolCall{}, false
	}
	name, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if name == "" {
		return store.ToolCall{}, false
	}
	args = strings.TrimSpace(args)
	if args == "" {
		args = "{}"
	}
	return store.ToolCall{
		ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Name:      name,
		Arguments: args,
	}, true
}

// summarizeResults reports the trailing run of tool results.
func summarizeResults(msgs []store.Message) string {
	start := len(msgs)
	for start > 0 && msgs[start-1].Role == store.RoleTool {
		start--
	}

	var b strings.Builder
	for _, m := range msgs[start:] {
		if m.IsError {
			fmt.Fprintf(&b, "Tool `%s` failed: %s\n", m.ToolName, m.Content)
			continue
		}
		fmt.Fprintf(&b, "Tool `%s` returned: **%s**\n", m.ToolName, m.Content)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

// splitWords cuts s after each space so the fragments concatenate back to s.
func splitWords(s string) []string {
	var words []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			words = append(words, s)
			break
		}
		words = append(words, s[:i+1])
		s = s[i+1:]
	}
	return words
}
