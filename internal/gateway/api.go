// ABOUTME: HTTP API handlers for threads, history, and streaming turns over SSE
// ABOUTME: Maps conversation errors onto status codes and StreamEvents onto SSE frames

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/auth"
	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/dedupe"
	"github.com/2389/coven-threads/internal/tools"
)

// maxTurnBody caps the JSON body of a turn submission.
const maxTurnBody = 1 << 20

// IdempotencyHeader carries a client-chosen key that makes a turn submission safe to retry.
const IdempotencyHeader = "Idempotency-Key"

// CreateThreadResponse is the JSON response for POST /api/threads.
type CreateThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// ListThreadsResponse is the JSON response for GET /api/threads.
type ListThreadsResponse struct {
	Threads []string `json:"threads"`
}

// MessageResponse is one history row.
type MessageResponse struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	HTML    string `json:"html,omitempty"`
}

// ThreadMessagesResponse is the JSON response for GET /api/threads/{id}/messages.
type ThreadMessagesResponse struct {
	ThreadID string            `json:"thread_id"`
	Messages []MessageResponse `json:"messages"`
}

// ToolResponse describes one tool offered to the model.
type ToolResponse struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ListToolsResponse is the JSON response for GET /api/tools.
type ListToolsResponse struct {
	Tools []ToolResponse `json:"tools"`
}

// SubmitTurnRequest is the JSON request body for POST /api/threads/{id}/turns.
type SubmitTurnRequest struct {
	Content string   `json:"content"`
	Tools   []string `json:"tools,omitempty"`  // subset of the registry, empty means all
	Events  string   `json:"events,omitempty"` // all, tokens, tools
}

// StartedEvent is the first SSE frame of a turn stream.
type StartedEvent struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
}

// ErrorEvent is the final SSE frame of a failed turn.
type ErrorEvent struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	id, err := g.conversation.NewThread(r.Context())
	if err != nil {
		g.logger.Error("failed to create thread", "error", err)
		g.sendJSONError(w, statusForError(err), "storage unavailable")
		return
	}
	g.logger.Info("thread created", "thread_id", id, "subject", auth.Subject(r.Context()))
	g.writeJSON(w, http.StatusCreated, CreateThreadResponse{ThreadID: id.String()})
}

func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ids, err := g.conversation.ListThreads(r.Context())
	if err != nil {
		g.logger.Error("failed to list threads", "error", err)
		g.sendJSONError(w, statusForError(err), "storage unavailable")
		return
	}
	resp := ListThreadsResponse{Threads: make([]string, len(ids))}
	for i, id := range ids {
		resp.Threads[i] = id.String()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleThreadMessages returns the rendered history. ?format=html adds an
// HTML rendering of each message's markdown.
func (g *Gateway) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID, ok := g.parseThreadID(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != "html" && format != "text" {
		g.sendJSONError(w, http.StatusBadRequest, "format must be text or html")
		return
	}

	history, err := g.conversation.LoadHistory(r.Context(), threadID)
	if err != nil {
		g.logger.Error("failed to load history", "thread_id", threadID, "error", err)
		g.sendJSONError(w, statusForError(err), "storage unavailable")
		return
	}

	resp := ThreadMessagesResponse{
		ThreadID: threadID.String(),
		Messages: make([]MessageResponse, len(history)),
	}
	for i, entry := range history {
		resp.Messages[i] = MessageResponse{Role: string(entry.Role), Content: entry.Content}
		if format == "html" {
			html, err := renderMarkdown(entry.Content)
			if err != nil {
				g.logger.Warn("failed to render message", "thread_id", threadID, "error", err)
				continue
			}
			resp.Messages[i].HTML = html
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	defs := g.conversation.Tools().Definitions()
	resp := ListToolsResponse{Tools: make([]ToolResponse, len(defs))}
	for i, d := range defs {
		resp.Tools[i] = ToolResponse{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSubmitTurn runs one turn and streams its events as SSE.
// Disconnecting cancels the turn; nothing from it is persisted.
func (g *Gateway) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	threadID, ok := g.parseThreadID(w, r)
	if !ok {
		return
	}

	req, err := parseSubmitRequest(http.MaxBytesReader(w, r.Body, maxTurnBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter, err := conversation.ParseEventFilter(req.Events)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var registry *tools.Registry
	if len(req.Tools) > 0 {
		registry, err = g.conversation.Tools().Subset(req.Tools...)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var idemKey string
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		idemKey = dedupe.Key(threadID.String(), key)
		if !g.idempotency.Claim(idemKey) {
			g.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}

	turn, err := g.conversation.SubmitTurn(r.Context(), &conversation.SubmitRequest{
		ThreadID: threadID,
		Content:  req.Content,
		Tools:    registry,
		Filter:   filter,
	})
	if err != nil {
		if idemKey != "" {
			g.idempotency.Release(idemKey)
		}
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			g.logger.Error("failed to submit turn", "thread_id", threadID, "error", err)
		}
		g.sendJSONError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", StartedEvent{ThreadID: threadID.String(), TurnID: turn.ID})
	flusher.Flush()

	for ev := range turn.Events {
		g.writeSSEEvent(w, string(ev.Kind), ev)
		flusher.Flush()
	}

	if err := turn.Wait(); err != nil {
		// Nothing was committed, so a retry under the same key must be allowed
		if idemKey != "" {
			g.idempotency.Release(idemKey)
		}
		if r.Context().Err() != nil {
			g.logger.Debug("client went away during turn", "thread_id", threadID, "turn_id", turn.ID)
			return
		}
		g.writeSSEEvent(w, "error", ErrorEvent{Error: err.Error(), Code: conversation.ErrorCode(err)})
		flusher.Flush()
	}
}

// handleWatchThread streams every event of every turn on a thread until the
// client disconnects. Slow watchers may miss events.
func (g *Gateway) handleWatchThread(w http.ResponseWriter, r *http.Request) {
	threadID, ok := g.parseThreadID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, subID := g.conversation.Watch(ctx, threadID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "watching", map[string]string{"thread_id": threadID.String(), "subscription_id": subID})
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Kind), ev)
			flusher.Flush()
		}
	}
}

func (g *Gateway) parseThreadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil || id == uuid.Nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid thread_id format")
		return uuid.Nil, false
	}
	return id, true
}

// parseSubmitRequest parses and validates a SubmitTurnRequest.
func parseSubmitRequest(r io.Reader) (*SubmitTurnRequest, error) {
	var req SubmitTurnRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

// statusForError maps conversation errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, conversation.ErrThreadBusy):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrInvalidThreadID), errors.Is(err, conversation.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
