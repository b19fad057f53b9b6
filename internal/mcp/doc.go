// Package mcp exposes the tool registry over the Model Context Protocol.
//
// # Overview
//
// External agents (Claude Desktop, IDE assistants, other LLM runtimes) can
// discover and invoke the same tools the conversation engine hands to the
// model. The server speaks JSON-RPC 2.0 over the Streamable HTTP transport
// on a single endpoint:
//
//   - POST /mcp    JSON-RPC requests and notifications
//   - DELETE /mcp  terminate a session
//
// Server-initiated streams (GET /mcp) are not offered.
//
// # Sessions
//
// initialize creates a session and returns its id in the Mcp-Session-Id
// header. Every later request must carry that header; an unknown id gets
// 404 and the client is expected to re-initialize. Sessions are bound to
// the authenticated subject, so one caller cannot use or end another's.
//
// # Authentication
//
// The server does no token handling of its own. The gateway mounts it
// behind the same bearer-JWT middleware as /api when a secret is
// configured; without one every caller is the anonymous subject.
//
// # Methods
//
//   - initialize: handshake, advertises the tools capability
//   - ping: liveness
//   - tools/list: registry definitions with JSON Schema input schemas
//   - tools/call: runs one tool; failures come back with isError set
//
// Example call:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {"name": "calculator", "arguments": {"expression": "6*7"}},
//	  "id": 2
//	}
package mcp
