// Package store keeps torque's durable state in one SQLite file.
//
// Tables:
//   - specifications: one row per (id, revision), the body as JSON
//   - sequences: the bolt order derived from each specification
//   - sessions: the most recent snapshot of each session
//   - events: the append-only torque event log
//
// SaveEvent ignores an id it has already stored, so a replayed worker
// cannot double a reading. Event reads sort by seq, never by timestamp.
//
// Every connection runs in WAL mode with synchronous=NORMAL, a five second
// busy timeout and foreign keys on. PRAGMA user_version records how many
// entries of the migrations table have been applied.
//
// Store satisfies engine.Sink, so a session worker can persist through it
// directly.
package store
