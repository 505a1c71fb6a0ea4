// Package api exposes the fleet over HTTP: agent lifecycle management,
// conversation turns and history, process logs, and a WebSocket stream of
// lifecycle events. Errors are returned as {"error":{"code","message"}} with
// the HTTP status derived from the error code.
package api
