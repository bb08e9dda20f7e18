// Package dedupe remembers recently seen upstream message references so that
// redelivered events are recognised within a configurable window. Each key can
// carry the id of the message it produced.
package dedupe
