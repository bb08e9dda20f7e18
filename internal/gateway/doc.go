// Package gateway orchestrates the coven-hub server components.
//
// # Overview
//
// The gateway owns the SQLite store, the internal bus, the realtime hub, the
// ingestion service, the agent registry with its in-process runtimes and the
// room mirroring service. New wires them together and ensures the configured
// bootstrap server exists; Run serves until its context is cancelled and then
// shuts everything down in reverse order.
//
// # Listeners
//
// Without Tailscale the HTTP API listens on server.http_addr and, when
// server.grpc_addr is set, a gRPC server exposing the standard health service
// and reflection listens there. With tailscale.enabled both are served on a
// tsnet node instead (:80 for HTTP, :50051 for gRPC).
//
// # HTTP API
//
// Routes are registered in api.go:
//
//   - GET/POST /api/servers, GET /api/servers/{serverId}
//   - GET /api/servers/{serverId}/channels
//   - GET/POST /api/servers/{serverId}/agents, DELETE .../agents/{agentId}
//   - GET /api/agents, GET /api/agents/{agentId}/servers
//   - POST /api/channels, GET/PATCH/DELETE /api/channels/{channelId}
//   - GET/POST/DELETE /api/channels/{channelId}/participants
//   - GET /api/channels/{channelId}/messages?limit=N&beforeId=<id> (or before=<RFC3339>)
//   - POST /api/channels/{channelId}/messages (GUI post, auto-provisions)
//   - DELETE /api/channels/{channelId}/messages (clear)
//   - DELETE /api/channels/{channelId}/messages/{messageId}
//   - POST /api/dm-channels
//   - POST /api/messages/submit (agent submit, no bus event)
//   - POST /api/messages/ingest-external (platform adapters, deduplicated)
//   - POST /api/rooms, GET/POST /api/rooms/{roomId}/mirrors
//   - POST /api/rooms/{roomId}/mirrors/{agentId}/repair
//   - POST /api/rooms/{roomId}/participants, DELETE .../participants/{participantId}
//   - GET /ws (WebSocket, see package realtime)
//   - GET /health, GET /health/ready
//
// Errors are returned as {"error": "..."}: validation failures map to 400,
// missing entities to 404, id collisions to 409 and everything else to 500
// with a generic message.
package gateway
