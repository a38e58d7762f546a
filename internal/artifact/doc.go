// Package artifact stores synthesized reply audio for buffered mode, where
// the client fetches the reply by URL instead of receiving a stream.
package artifact
