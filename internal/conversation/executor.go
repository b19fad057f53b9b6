// ABOUTME: Turn executor state machine alternating generation steps and tool invocations
// ABOUTME: Appends tool results in call order and enforces the tool cycle cap

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/tools"
)

type executorState int

const (
	stateAwaitingModel executorState = iota
	stateAwaitingTool
	stateDone
)

func (s executorState) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateAwaitingTool:
		return "awaiting_tool"
	default:
		return "done"
	}
}

// executor drives one turn. It only ever appends to turnMessages; the
// snapshot it started from is left untouched until the service commits.
type executor struct {
	threadID uuid.UUID
	gen      Generator
	registry *tools.Registry
	mux      *multiplexer
	opts     Options
	logger   *slog.Logger

	history      []store.Message
	turnMessages []store.Message
	pending      []store.ToolCall
	cycles       int
	generations  int

	// onToolCall observes every finished invocation that is kept
	onToolCall func(inv tools.Invocation)
}

// run advances the state machine until Done or a turn-fatal error.
func (e *executor) run(ctx context.Context) error {
	state := stateAwaitingModel
	for state != stateDone {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTurnCancelled, err)
		}

		var err error
		switch state {
		case stateAwaitingModel:
			state, err = e.generate(ctx)
		case stateAwaitingTool:
			e.cycles++
			if e.cycles > e.opts.MaxToolCycles {
				return fmt.Errorf("%w: more than %d tool cycles", ErrTurnLoopExceeded, e.opts.MaxToolCycles)
			}
			state, err = e.invokeTools(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *executor) messages() []store.Message {
	all := make([]store.Message, 0, len(e.history)+len(e.turnMessages))
	all = append(all, e.history...)
	return append(all, e.turnMessages...)
}

func (e *executor) appendMessage(msg store.Message) {
	e.turnMessages = append(e.turnMessages, msg)
	e.mux.observe(msg)
}

// generate runs one generation step.
func (e *executor) generate(ctx context.Context) (executorState, error) {
	e.generations++
	genCtx, cancel := context.WithTimeout(ctx, e.opts.GenerationTimeout)
	defer cancel()

	chunks, err := e.gen.Generate(genCtx, &GenerateRequest{
		ThreadID: e.threadID,
		Messages: e.messages(),
		Tools:    e.registry.Definitions(),
	})
	if err != nil {
		return stateDone, e.generationFailure(ctx, err)
	}

	var b generationBuilder

recv:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break recv
			}
			if chunk.Err != nil {
				return stateDone, e.generationFailure(ctx, chunk.Err)
			}
			b.add(chunk)
			e.mux.token(chunk.Text)
		case <-genCtx.Done():
			return stateDone, e.generationFailure(ctx, genCtx.Err())
		}
	}
	// A generator that closed its stream because the step expired produced a truncated reply
	if err := genCtx.Err(); err != nil {
		return stateDone, e.generationFailure(ctx, err)
	}

	gen := b.build()
	e.logger.Debug("generation step finished",
		"thread_id", e.threadID,
		"step", e.generations,
		"kind", gen.Kind.String(),
		"tool_calls", len(gen.ToolCalls))

	e.appendMessage(store.Message{
		ID:        uuid.NewString(),
		Role:      store.RoleAssistant,
		Content:   gen.Text,
		ToolCalls: gen.ToolCalls,
		CreatedAt: time.Now().UTC(),
	})

	if gen.Kind == GenerationToolCalls {
		e.pending = gen.ToolCalls
		return stateAwaitingTool, nil
	}
	return stateDone, nil
}

func (e *executor) generationFailure(ctx context.Context, cause error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTurnCancelled, err)
	}
	return fmt.Errorf("%w: %w", ErrGenerationUnavailable, cause)
}

// invokeTools runs every pending call and appends results in call order.
// Invocations run detached from caller cancellation; on cancel they are
// left to finish and their results are dropped.
func (e *executor) invokeTools(ctx context.Context) (executorState, error) {
	calls := e.pending
	e.pending = nil

	toolCtx := context.WithoutCancel(ctx)
	invoke := func(call store.ToolCall) tools.Invocation {
		c, cancel := context.WithTimeout(toolCtx, e.opts.ToolTimeout)
		defer cancel()
		return e.registry.Invoke(c, call)
	}

	if e.opts.MaxParallelTools <= 1 || len(calls) == 1 {
		for _, call := range calls {
			e.mux.toolStarted(call)

			result := make(chan tools.Invocation, 1)
			go func() { result <- invoke(call) }()

			select {
			case inv := <-result:
				e.keep(inv)
			case <-ctx.Done():
				return stateDone, fmt.Errorf("%w: %w", ErrTurnCancelled, ctx.Err())
			}
		}
		return stateAwaitingModel, nil
	}

	for _, call := range calls {
		e.mux.toolStarted(call)
	}

	results := make([]tools.Invocation, len(calls))
	var g errgroup.Group
	g.SetLimit(e.opts.MaxParallelTools)
	done := make(chan struct{})
	go func() {
		for i, call := range calls {
			g.Go(func() error {
				results[i] = invoke(call)
				return nil
			})
		}
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return stateDone, fmt.Errorf("%w: %w", ErrTurnCancelled, ctx.Err())
	}

	for _, inv := range results {
		e.keep(inv)
	}
	return stateAwaitingModel, nil
}

func (e *executor) keep(inv tools.Invocation) {
	e.appendMessage(inv.Message())
	if e.onToolCall != nil {
		e.onToolCall(inv)
	}
}
