// Package tools provides the in-process tool registry used by conversation turns.
//
// A Capability pairs a Definition (name, description, JSON Schema
// parameters) with an Invoke function. Registry.Invoke runs one call and
// always yields an Invocation: failures are reported as *ExecutionError and
// rendered into an error-flagged tool message, so a broken tool never aborts
// the turn that called it.
//
// Built-in capabilities:
//
//   - calculator: exact arithmetic over + - * / % and parentheses
//   - current_time: the current time in an optional IANA timezone
//   - web_search: top results from a SearXNG instance
package tools
