// Package client is an HTTP client for the coven-threads API.
//
// # Overview
//
// Client wraps the JSON endpoints (threads, messages, tools) and consumes
// the SSE streams produced by turn submission and thread watching. Each SSE
// frame is decoded into an Event and handed to a callback as it arrives, so
// callers can render tokens and tool activity while a turn is running.
//
// # Errors
//
// Non-2xx responses become *APIError carrying the status code and the
// server's error message. A turn that fails after its stream opened ends
// with an "error" frame, which SubmitTurn returns as *TurnError with the
// server's error code (busy, cancelled, loop_exceeded, ...).
//
// # Example
//
//	c := client.New("http://127.0.0.1:8090", os.Getenv("COVEN_TOKEN"))
//	id, _ := c.CreateThread(ctx)
//	res, err := c.SubmitTurn(ctx, id, gateway.SubmitTurnRequest{Content: "hi"}, "", func(ev client.Event) {
//		if ev.Type == client.EventTokenDelta {
//			fmt.Print(ev.Stream.Text)
//		}
//	})
package client
