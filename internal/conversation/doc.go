// Package conversation runs streaming, tool-using conversation turns on threads.
//
// # Overview
//
// A turn starts with Service.SubmitTurn. The service takes the thread's
// advisory lock (a second submit for the same thread fails with
// ErrThreadBusy), loads the thread snapshot and hands it to the executor:
//
//	AwaitingModel ──text──────────► Done ──► SaveState ──► RecordThread
//	      ▲   │
//	      │   └──tool calls──► AwaitingTool
//	      └────────results────────────┘
//
// Generation is a pluggable Generator. Tool calls are dispatched through a
// tools.Registry, concurrently up to Options.MaxParallelTools, and their
// results are appended in the order the calls were issued. The number of
// AwaitingTool phases per turn is capped by Options.MaxToolCycles.
//
// # Events
//
// Each turn has one producer that writes StreamEvents to Turn.Events:
//
//   - token_delta: a text fragment of the assistant reply
//   - tool_started: emitted before a tool call begins
//   - tool_finished: the call's result, possibly an error
//   - turn_complete: exactly once, after the snapshot is saved
//
// Tool events share one status channel per turn (StatusUpdate.ID), so a
// front end can render a single status line and update it in place.
// Delivery to the submitter is lossless; Watch subscribers get a best-effort
// copy of every event. Watchers also get turn_failed when a turn aborts;
// the submitter reads that failure from Turn.Wait instead.
//
// # Failure
//
// A failed or cancelled turn persists nothing and ends the event stream
// without turn_complete. Turn.Wait returns the error, which matches one of
// ErrStorageUnavailable, ErrTurnLoopExceeded, ErrThreadBusy,
// ErrGenerationUnavailable or ErrTurnCancelled via errors.Is. Tool failures
// never fail a turn; they become error-flagged tool messages.
package conversation
