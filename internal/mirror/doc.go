// Package mirror maps one conceptual room onto a private room in each
// participating agent's runtime.
//
// A conceptual room is what a human client sees. Each agent that takes part
// gets its own room id, derived from the agent id and the conceptual room id
// (AgentRoomID), and recorded as a mapping. Participant changes are stored
// against the conceptual room first and then applied to every mirror that
// exists at that moment; mirrors created later pick up the current
// membership when they are created.
//
// Propagation runs against runtimes concurrently with a configurable limit.
// A failing runtime is logged and reported in Propagation.Failed while the
// other mirrors are still updated. RepairMirror brings a single agent back in
// line.
package mirror
