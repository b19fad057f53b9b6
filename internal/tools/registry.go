// ABOUTME: Thread-safe registry of in-process tool capabilities and their invoker
// ABOUTME: Turns every tool failure into an error-flagged tool message instead of aborting the turn

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-threads/internal/store"
)

var (
	// ErrToolNameEmpty indicates a capability or call without a name.
	ErrToolNameEmpty = errors.New("tool name is empty")

	// ErrNilCapability indicates a nil capability was registered.
	ErrNilCapability = errors.New("tool capability is nil")

	// ErrToolCollision indicates a tool name is already registered.
	ErrToolCollision = errors.New("tool name collision")

	// ErrToolUnregistered indicates a call or subset names an unknown tool.
	ErrToolUnregistered = errors.New("tool is not registered")

	// ErrInvalidArguments indicates the call arguments are not a JSON object.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrToolPanicked indicates the handler panicked.
	ErrToolPanicked = errors.New("tool panicked")
)

// ExecutionError describes a failed tool call. Its text becomes the content
// of the tool message handed back to the generation step.
type ExecutionError struct {
	Name   string
	Detail string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Name, e.Detail)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Definition describes a tool to the generation step.
// Parameters is a JSON Schema object.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Capability is an invokable tool.
type Capability interface {
	Definition() Definition
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// HandlerFunc executes one tool call with its raw JSON arguments.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

type funcCapability struct {
	def Definition
	fn  HandlerFunc
}

func (f *funcCapability) Definition() Definition { return f.def }

func (f *funcCapability) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return f.fn(ctx, args)
}

// Func adapts a plain function to a Capability.
func Func(def Definition, fn HandlerFunc) Capability {
	return &funcCapability{def: def, fn: fn}
}

// Invocation is the outcome of one tool call.
type Invocation struct {
	Call     store.ToolCall
	Content  string
	Err      error // *ExecutionError when the call failed
	Duration time.Duration
}

// Message converts the invocation into the tool message appended to the conversation.
func (inv Invocation) Message() store.Message {
	msg := store.Message{
		ID:         uuid.NewString(),
		Role:       store.RoleTool,
		Content:    inv.Content,
		ToolCallID: inv.Call.ID,
		ToolName:   inv.Call.Name,
		CreatedAt:  time.Now().UTC(),
	}
	if inv.Err != nil {
		msg.Content = inv.Err.Error()
		msg.IsError = true
	}
	return msg
}

// Registry maps tool names to capabilities.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Capability
	logger *slog.Logger
}

// NewRegistry creates a registry holding caps.
func NewRegistry(logger *slog.Logger, caps ...Capability) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]Capability),
		logger: logger.With("component", "tools"),
	}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a capability under its definition name.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return ErrNilCapability
	}
	name := c.Definition().Name
	if name == "" {
		return ErrToolNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrToolCollision, name)
	}
	r.tools[name] = c
	r.logger.Debug("tool registered", "tool", name, "total_tools", len(r.tools))
	return nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	return c, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every tool definition, sorted by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, c := range r.tools {
		defs = append(defs, c.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Subset returns a registry restricted to names. Every name must be registered.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := &Registry{
		tools:  make(map[string]Capability, len(names)),
		logger: r.logger,
	}
	for _, name := range names {
		c, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrToolUnregistered, name)
		}
		sub.tools[name] = c
	}
	return sub, nil
}

type outcome struct {
	content string
	err     error
}

// Invoke runs one tool call. It never fails: unknown tools, malformed
// arguments, handler errors, panics and context expiry all come back as an
// Invocation whose Err is an *ExecutionError.
func (r *Registry) Invoke(ctx context.Context, call store.ToolCall) Invocation {
	start := time.Now()
	inv := Invocation{Call: call}

	fail := func(detail string, cause error) Invocation {
		inv.Err = &ExecutionError{Name: call.Name, Detail: detail, Cause: cause}
		inv.Duration = time.Since(start)
		r.logger.Warn("tool call failed",
			"tool", call.Name,
			"call_id", call.ID,
			"error", detail,
		)
		return inv
	}

	if call.Name == "" {
		return fail("missing tool name", ErrToolNameEmpty)
	}
	c, ok := r.Lookup(call.Name)
	if !ok {
		return fail("tool is not registered", ErrToolUnregistered)
	}

	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(args) || !gjson.ParseBytes(args).IsObject() {
		return fail("arguments are not a JSON object", ErrInvalidArguments)
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool panicked",
					"tool", call.Name,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("%w: %v", ErrToolPanicked, p)}
			}
		}()
		content, err := c.Invoke(ctx, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return fail(out.err.Error(), out.err)
		}
		inv.Content = out.content
		inv.Duration = time.Since(start)
		r.logger.Debug("tool call finished",
			"tool", call.Name,
			"call_id", call.ID,
			"duration_ms", inv.Duration.Milliseconds(),
		)
		return inv
	case <-ctx.Done():
		return fail(ctx.Err().Error(), ctx.Err())
	}
}
