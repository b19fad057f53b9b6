// ABOUTME: Service is the engine boundary: submit turns, load history, list and create threads
// ABOUTME: Owns per-thread locking, commits snapshots atomically and records threads in the directory

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/telemetry"
	"github.com/2389/coven-threads/internal/tools"
)

const (
	DefaultMaxToolCycles     = 10
	DefaultGenerationTimeout = 2 * time.Minute
	DefaultToolTimeout       = 30 * time.Second
	DefaultMaxParallelTools  = 4
	DefaultEventBuffer       = 16

	saveTimeout = 10 * time.Second
)

// Options tunes turn execution. Zero values take the defaults above.
type Options struct {
	MaxToolCycles     int
	GenerationTimeout time.Duration
	ToolTimeout       time.Duration
	MaxParallelTools  int // 1 dispatches tool calls strictly one at a time
	EventBuffer       int
}

func (o Options) withDefaults() Options {
	if o.MaxToolCycles <= 0 {
		o.MaxToolCycles = DefaultMaxToolCycles
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = DefaultGenerationTimeout
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = DefaultToolTimeout
	}
	if o.MaxParallelTools <= 0 {
		o.MaxParallelTools = DefaultMaxParallelTools
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

// Service runs conversation turns against a thread store.
type Service struct {
	store       store.Store
	gen         Generator
	tools       *tools.Registry
	opts        Options
	locks       *threadLocks
	broadcaster *EventBroadcaster
	logger      *slog.Logger

	// unlisted holds committed threads whose directory write failed
	unlistedMu sync.Mutex
	unlisted   []uuid.UUID

	tracer       trace.Tracer
	turnCounter  metric.Int64Counter
	toolCounter  metric.Int64Counter
	turnDuration metric.Float64Histogram
}

// New creates a Service. A nil registry means turns run without tools.
func New(st store.Store, gen Generator, registry *tools.Registry, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry, _ = tools.NewRegistry(logger)
	}

	meter := telemetry.Meter("coven-threads/conversation")
	turns, _ := meter.Int64Counter("coven.turns",
		metric.WithDescription("Completed and failed turns by outcome"),
	)
	toolCalls, _ := meter.Int64Counter("coven.tool_calls",
		metric.WithDescription("Tool invocations by tool and error flag"),
	)
	duration, _ := meter.Float64Histogram("coven.turn.duration",
		metric.WithDescription("Wall time of a turn (ms)"),
		metric.WithUnit("ms"),
	)

	return &Service{
		store:        st,
		gen:          gen,
		tools:        registry,
		opts:         opts.withDefaults(),
		locks:        newThreadLocks(),
		broadcaster:  NewEventBroadcaster(logger),
		logger:       logger.With("component", "conversation"),
		tracer:       telemetry.Tracer("coven-threads/conversation"),
		turnCounter:  turns,
		toolCounter:  toolCalls,
		turnDuration: duration,
	}
}

// Tools returns the default registry used when a request names no tools.
func (s *Service) Tools() *tools.Registry {
	return s.tools
}

// SubmitRequest describes one user turn.
type SubmitRequest struct {
	ThreadID uuid.UUID
	Content  string

	// Tools available to this turn; nil uses the service registry
	Tools *tools.Registry

	// Filter selects delivered events; zero means FilterAll
	Filter EventFilter
}

// Turn is a running turn. Events is closed when the turn ends; callers must
// drain it or cancel the submit context.
type Turn struct {
	ID       string
	ThreadID uuid.UUID
	Events   <-chan StreamEvent

	done     chan struct{}
	err      error
	messages []store.Message
}

// Wait blocks until the turn ends and returns its error.
func (t *Turn) Wait() error {
	<-t.done
	return t.err
}

// Messages returns the messages the turn committed, nil if it failed.
func (t *Turn) Messages() []store.Message {
	<-t.done
	out := make([]store.Message, len(t.messages))
	for i := range t.messages {
		out[i] = t.messages[i].Clone()
	}
	return out
}

// SubmitTurn starts a turn and returns once the thread is locked and its
// snapshot loaded. The turn itself runs in the background and streams events
// until it completes, fails or ctx is cancelled.
func (s *Service) SubmitTurn(ctx context.Context, req *SubmitRequest) (*Turn, error) {
	if req.ThreadID == uuid.Nil {
		return nil, ErrInvalidThreadID
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}

	registry := req.Tools
	if registry == nil {
		registry = s.tools
	}

	release, ok := s.locks.tryLock(req.ThreadID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadBusy, req.ThreadID)
	}

	state, err := s.store.LoadState(ctx, req.ThreadID)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: loading thread %s: %w", ErrStorageUnavailable, req.ThreadID, err)
	}

	events := make(chan StreamEvent, s.opts.EventBuffer)
	turn := &Turn{
		ID:       uuid.NewString(),
		ThreadID: req.ThreadID,
		Events:   events,
		done:     make(chan struct{}),
	}

	s.logger.Debug("turn submitted",
		"thread_id", req.ThreadID,
		"turn_id", turn.ID,
		"prior_messages", len(state.Messages),
		"tools", len(registry.Names()))

	go func() {
		turn.messages, turn.err = s.runTurn(ctx, turn, state, req, registry, events)
		// Unlock before signalling so a caller returning from Wait can submit again
		release()
		close(turn.done)
		close(events)
	}()

	return turn, nil
}

func (s *Service) runTurn(ctx context.Context, turn *Turn, state *store.State, req *SubmitRequest, registry *tools.Registry, events chan<- StreamEvent) ([]store.Message, error) {
	ctx, span := s.tracer.Start(ctx, "chat_turn", trace.WithAttributes(
		attribute.String("thread_id", turn.ThreadID.String()),
		attribute.String("turn_id", turn.ID),
	))
	defer span.End()
	start := time.Now()

	mux := newMultiplexer(ctx, turn.ThreadID, turn.ID, req.Filter, events, s.broadcaster.Publish)
	exec := &executor{
		threadID: turn.ThreadID,
		gen:      s.gen,
		registry: registry,
		mux:      mux,
		opts:     s.opts,
		logger:   s.logger,
		history:  state.Messages,
		onToolCall: func(inv tools.Invocation) {
			s.toolCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", inv.Call.Name),
				attribute.Bool("error", inv.Err != nil),
			))
		},
	}
	exec.appendMessage(store.Message{
		ID:        uuid.NewString(),
		Role:      store.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	})

	messages, err := s.execute(ctx, exec, state)
	outcome := ErrorCode(err)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	s.turnCounter.Add(ctx, 1, attrs)
	s.turnDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("tool_cycles", exec.cycles),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("turn failed",
			"thread_id", turn.ThreadID,
			"turn_id", turn.ID,
			"outcome", outcome,
			"error", err)
		mux.fail(err)
		return nil, err
	}

	mux.complete()
	s.logger.Info("turn complete",
		"thread_id", turn.ThreadID,
		"turn_id", turn.ID,
		"messages", len(messages),
		"tool_cycles", exec.cycles,
		"duration_ms", time.Since(start).Milliseconds())
	return messages, nil
}

// execute runs the state machine and commits the snapshot.
func (s *Service) execute(ctx context.Context, exec *executor, state *store.State) ([]store.Message, error) {
	if err := exec.run(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTurnCancelled, err)
	}

	next := state.Clone()
	next.Messages = append(next.Messages, exec.turnMessages...)
	next.Turns++

	// The commit must not be torn by a cancel that arrives mid-write
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	if err := s.store.SaveState(saveCtx, next); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %w", ErrThreadBusy, err)
		}
		return nil, fmt.Errorf("%w: saving thread %s: %w", ErrStorageUnavailable, state.ThreadID, err)
	}

	// The snapshot is committed; a failed directory write is retried by ListThreads
	if err := s.store.RecordThread(saveCtx, state.ThreadID); err != nil {
		s.logger.Error("failed to record thread in directory",
			"thread_id", state.ThreadID,
			"error", err)
		s.markUnlisted(state.ThreadID)
	}

	return exec.turnMessages, nil
}

func (s *Service) markUnlisted(id uuid.UUID) {
	s.unlistedMu.Lock()
	defer s.unlistedMu.Unlock()
	s.unlisted = append(s.unlisted, id)
}

// relist retries pending directory writes in commit order.
func (s *Service) relist(ctx context.Context) error {
	s.unlistedMu.Lock()
	defer s.unlistedMu.Unlock()

	for len(s.unlisted) > 0 {
		id := s.unlisted[0]
		if err := s.store.RecordThread(ctx, id); err != nil {
			return fmt.Errorf("recording thread %s: %w", id, err)
		}
		s.logger.Info("recorded thread in directory after retry", "thread_id", id)
		s.unlisted = s.unlisted[1:]
	}
	return nil
}

// HistoryEntry is one rendered row of a thread's history.
type HistoryEntry struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// LoadHistory returns the user and assistant rows of a thread in order.
// Tool results and assistant steps that only carried tool calls are skipped.
func (s *Service) LoadHistory(ctx context.Context, threadID uuid.UUID) ([]HistoryEntry, error) {
	if threadID == uuid.Nil {
		return nil, ErrInvalidThreadID
	}
	state, err := s.store.LoadState(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading thread %s: %w", ErrStorageUnavailable, threadID, err)
	}

	history := make([]HistoryEntry, 0, len(state.Messages))
	for _, msg := range state.Messages {
		switch msg.Role {
		case store.RoleUser:
		case store.RoleAssistant:
			if msg.Content == "" {
				continue
			}
		default:
			continue
		}
		history = append(history, HistoryEntry{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

// ListThreads returns every known thread id in creation order.
func (s *Service) ListThreads(ctx context.Context) ([]uuid.UUID, error) {
	if err := s.relist(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing threads: %w", ErrStorageUnavailable, err)
	}
	ids := make([]uuid.UUID, len(threads))
	for i, th := range threads {
		ids[i] = th.ID
	}
	return ids, nil
}

// NewThread allocates a thread id and records it in the directory.
func (s *Service) NewThread(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	if err := s.store.RecordThread(ctx, id); err != nil {
		return uuid.Nil, fmt.Errorf("%w: recording thread: %w", ErrStorageUnavailable, err)
	}
	s.logger.Debug("thread created", "thread_id", id)
	return id, nil
}

// Busy reports whether a turn is running on the thread.
func (s *Service) Busy(threadID uuid.UUID) bool {
	return s.locks.isLocked(threadID)
}

// Watch subscribes to the live events of every turn on a thread until ctx ends.
// Watchers see all event kinds and may miss events if they fall behind.
func (s *Service) Watch(ctx context.Context, threadID uuid.UUID) (<-chan StreamEvent, string) {
	return s.broadcaster.Subscribe(ctx, threadID)
}

// Close releases watcher subscriptions.
func (s *Service) Close() {
	s.broadcaster.Close()
}
