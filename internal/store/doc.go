// Package store provides persistent storage for the hub using SQLite.
//
// # Architecture
//
// Two interfaces describe the persistence surface:
//
//   - MessageStore: servers, channels, participants, root messages and
//     server-to-agent associations
//   - RoomStore: conceptual rooms, their participants and per-agent room mappings
//
// Store embeds both, and SQLiteStore implements all of it in a single struct.
//
// # Data Models
//
//   - MessageServer: tenant boundary ("this install", an upstream guild)
//   - MessageChannel: conversation surface within a server, typed DM, GROUP, ...
//   - RootMessage: canonical persisted message with optional reply reference
//   - ConceptualRoom / RoomMapping: one logical room mirrored into many agents
//
// Metadata bags and raw payloads are stored as Document values. Known fields
// are read with explicit accessors such as DisplayName and ChannelTypeHint.
//
// # Invariants
//
//   - At most one DM channel per unordered user pair per server; see
//     FindOrCreateDMChannel, DMChannelName and DMChannelID.
//   - Channel creation is insert-or-ignore on the id, so concurrent creators
//     converge on one row and all of their participants.
//   - A reply must target a message in the same channel. Deleting the target
//     clears the reference instead of deleting the reply.
//   - History is returned newest first; the before cursor is exclusive.
//
// # SQLite Configuration
//
// Each connection enables foreign keys, a 5s busy timeout and immediate
// transactions through the DSN. The database runs in WAL mode. Timestamps are
// stored as fixed-width UTC text so they sort chronologically.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrAlreadyExists: primary key or source reference collision
//   - ErrInvalidReply: reply target missing or in another channel
//   - ErrInvalidArgument: request the store cannot act on
//
// # Testing
//
// Use NewSQLiteStore(":memory:") or a file under t.TempDir() for tests.
package store
