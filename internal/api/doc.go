// Package api implements the HTTP REST API and WebSocket server for the
// automation service.
//
// This package provides:
//   - REST endpoints for rule CRUD, lifecycle changes, manual and dry runs
//   - Execution history, lookup and cancellation
//   - Named trigger firing for callers that do not speak MQTT
//   - WebSocket hub relaying execution events and notify actions
//   - Middleware stack (request ID, logging, Prometheus, recovery, CORS)
//
// # Architecture
//
// Handlers are a thin layer over automation.Engine. Executions started over
// HTTP answer 202 Accepted with the execution ID; progress is pushed on the
// "executions" WebSocket channel and can be polled at /executions/{id}.
//
// # Graceful Degradation
//
// The server operates without MQTT or InfluxDB. Health reports each
// registered component so a missing broker shows up as "degraded".
package api
