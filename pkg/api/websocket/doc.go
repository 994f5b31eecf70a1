// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/executions/:id/ws to follow one execution,
// or to /api/v1/events/ws to receive every execution and task event.
package websocket
