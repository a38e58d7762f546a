// Package synthesis implements the text-to-speech adapters. Synthesized audio
// is returned as an unread stream so callers can relay it to the client as it
// arrives or copy it to durable storage.
package synthesis
