// Package history stores the per-session conversation log: an ordered,
// append-only sequence of user and assistant messages. File, Redis and
// in-memory backends share the Store interface.
package history
