// Package gateway serves the coven-threads conversation engine over HTTP.
//
// # Overview
//
// New builds every component from configuration: the thread store (SQLite,
// Redis or memory), the generator (OpenAI-compatible or the offline echo
// model), the built-in tool registry and the conversation service. Run then
// listens on server.http_addr, or joins a tailnet through tsnet when
// tailscale.enabled is set, and shuts down gracefully when its context ends.
//
// # HTTP API
//
//	GET  /health                        liveness, never authenticated
//	POST /api/threads                   create a thread
//	GET  /api/threads                   thread ids in creation order
//	GET  /api/threads/{id}/messages     user and assistant history (?format=html)
//	POST /api/threads/{id}/turns        run a turn, streamed as SSE
//	GET  /api/threads/{id}/events       watch every turn on a thread as SSE
//	GET  /api/tools                     tools offered to the model
//
// /api/ routes require a bearer token when auth.jwt_secret is set.
//
// # Turn Streams
//
// A turn request body looks like:
//
//	{"content": "what is 6*7?", "tools": ["calculator"], "events": "all"}
//
// The response is a text/event-stream. The first frame is "started" with the
// thread and turn ids. Each StreamEvent follows as a frame named after its
// kind (token_delta, tool_started, tool_finished, turn_complete). A failed
// turn ends with an "error" frame carrying the message and a stable code:
//
//	event: error
//	data: {"error":"turn loop exceeded: more than 10 tool cycles","code":"loop_exceeded"}
//
// The Idempotency-Key of a failed turn is released, so the same key can be
// retried; only committed turns keep their key.
//
// Errors found before the stream starts are plain JSON responses: 400 for
// malformed requests, 409 when the thread is busy or an Idempotency-Key was
// already used on that thread, 503 when storage is unavailable.
//
// Closing the connection cancels the turn. Nothing from a cancelled turn is
// persisted.
package gateway
