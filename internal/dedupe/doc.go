// Package dedupe tracks Idempotency-Key values of turn submissions so a client
// retrying a POST within the TTL does not start a second turn.
package dedupe
