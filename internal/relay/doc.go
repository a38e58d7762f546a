// Package relay copies synthesized audio to a client as it arrives, flushing
// after every chunk so playback can start before synthesis finishes.
package relay
