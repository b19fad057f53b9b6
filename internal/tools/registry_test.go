// ABOUTME: Tests for the tool registry and invoker
// ABOUTME: Covers registration rules, subsets and every failure mode of Invoke

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-threads/internal/store"
)

func echoTool(name string) Capability {
	return Func(Definition{Name: name, Description: "echo"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return string(args), nil
	})
}

func TestRegistry_RegisterRules(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Register(nil), ErrNilCapability)
	assert.ErrorIs(t, r.Register(echoTool("")), ErrToolNameEmpty)

	require.NoError(t, r.Register(echoTool("echo")))
	err = r.Register(echoTool("echo"))
	assert.ErrorIs(t, err, ErrToolCollision)
	assert.Contains(t, err.Error(), `"echo"`)
}

func TestRegistry_NamesAndDefinitionsSorted(t *testing.T) {
	r, err := NewRegistry(nil, echoTool("zeta"), echoTool("alpha"), echoTool("mid"))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[2].Name)
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_Subset(t *testing.T) {
	r, err := NewRegistry(nil, echoTool("a"), echoTool("b"), echoTool("c"))
	require.NoError(t, err)

	sub, err := r.Subset("a", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, sub.Names())

	_, ok := sub.Lookup("b")
	assert.False(t, ok)

	_, err = r.Subset("a", "missing")
	assert.ErrorIs(t, err, ErrToolUnregistered)
}

func TestRegistry_NilRegistryIsEmpty(t *testing.T) {
	var r *Registry
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Names())
	assert.Empty(t, r.Definitions())
}

func TestInvoke_Success(t *testing.T) {
	r, err := NewRegistry(nil, echoTool("echo"))
	require.NoError(t, err)

	inv := r.Invoke(context.Background(), store.ToolCall{ID: "call-1", Name: "echo", Arguments: `{"x":1}`})
	require.NoError(t, inv.Err)
	assert.Equal(t, `{"x":1}`, inv.Content)

	msg := inv.Message()
	assert.Equal(t, store.RoleTool, msg.Role)
	assert.Equal(t, "call-1", msg.ToolCallID)
	assert.Equal(t, "echo", msg.ToolName)
	assert.False(t, msg.IsError)
	assert.NotEmpty(t, msg.ID)
}

func TestInvoke_EmptyArgumentsBecomeEmptyObject(t *testing.T) {
	r, err := NewRegistry(nil, echoTool("echo"))
	require.NoError(t, err)

	inv := r.Invoke(context.Background(), store.ToolCall{ID: "c", Name: "echo"})
	require.NoError(t, inv.Err)
	assert.Equal(t, "{}", inv.Content)
}

func TestInvoke_Failures(t *testing.T) {
	boom := errors.New("boom")
	r, err := NewRegistry(nil,
		echoTool("echo"),
		Func(Definition{Name: "fails"}, func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", boom
		}),
		Func(Definition{Name: "panics"}, func(ctx context.Context, args json.RawMessage) (string, error) {
			panic("kaboom")
		}),
	)
	require.NoError(t, err)

	tests := []struct {
		name  string
		call  store.ToolCall
		cause error
	}{
		{"unknown tool", store.ToolCall{ID: "1", Name: "missing"}, ErrToolUnregistered},
		{"empty name", store.ToolCall{ID: "2"}, ErrToolNameEmpty},
		{"malformed json", store.ToolCall{ID: "3", Name: "echo", Arguments: `{"x":`}, ErrInvalidArguments},
		{"non-object json", store.ToolCall{ID: "4", Name: "echo", Arguments: `[1,2]`}, ErrInvalidArguments},
		{"handler error", store.ToolCall{ID: "5", Name: "fails"}, boom},
		{"handler panic", store.ToolCall{ID: "6", Name: "panics"}, ErrToolPanicked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := r.Invoke(context.Background(), tt.call)
			require.Error(t, inv.Err)

			var execErr *ExecutionError
			require.True(t, errors.As(inv.Err, &execErr))
			assert.Equal(t, tt.call.Name, execErr.Name)
			assert.ErrorIs(t, inv.Err, tt.cause)

			msg := inv.Message()
			assert.True(t, msg.IsError)
			assert.Equal(t, inv.Err.Error(), msg.Content)
			assert.Equal(t, tt.call.ID, msg.ToolCallID)
		})
	}
}

func TestInvoke_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r, err := NewRegistry(nil, Func(Definition{Name: "slow"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		<-release
		return "late", nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	inv := r.Invoke(ctx, store.ToolCall{ID: "c", Name: "slow"})
	require.Error(t, inv.Err)
	assert.ErrorIs(t, inv.Err, context.DeadlineExceeded)
	assert.Contains(t, inv.Message().Content, `tool "slow" failed`)
}
