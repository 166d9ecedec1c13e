// Package api defines the request and response types of the consultation HTTP API.
//
// # API Overview
//
// The service exposes a RESTful API for:
//   - Starting multi-expert consultations, optionally streamed as SSE
//   - Session snapshots, cancellation and human checkpoint decisions
//   - Live event streams over SSE and WebSocket
//   - Expert recommendations from the agent catalog
//   - Health monitoring and metrics
//
// # Authentication
//
// API endpoints require either an X-API-Key header or a bearer JWT,
// depending on server configuration:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <token>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Event stream
//
// Each event is written as one SSE frame whose id is the event sequence number:
//
//	id: 3
//	event: agent_output_complete
//	data: {"seq":3,"type":"agent_output_complete",...}
//
// Subscribers receive only events published after they connect.
package api
