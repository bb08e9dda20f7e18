// Package ingest is the single write path for root messages.
//
// # Producers
//
// Four producers share one persist-then-fan-out sequence:
//
//   - PostGUI: human clients. Unknown channel ids are auto-provisioned (see
//     ResolveChannel) after the reply target and message id are checked.
//     Published on the bus and broadcast to live rooms.
//   - SendSocketMessage: text typed into a live WebSocket connection. Runs the
//     PostGUI sequence; implements realtime.MessageSender.
//   - IngestExternal: platform adapters. The channel must exist. Repeats of a
//     (sourceType, sourceId) pair return the stored message.
//   - Submit: agent replies that were already processed. Broadcast only, never
//     published, so agents do not see their own replies as new input.
//
// # Ordering
//
// A per-channel lock is held from the store write until the bus publish and
// room broadcast return, so subscribers and room members see a channel's
// messages in commit order. Different channels never contend.
//
// # Failure handling
//
// Validation errors (ErrInvalidRequest, or the store's argument/reply errors)
// are returned before anything is written. Once a message is committed the
// call succeeds: dropped bus events and unreachable room members are counted in
// the Result but never turned into errors. Ingestion runs with a
// non-cancellable context so a disconnecting caller cannot interrupt it.
package ingest
