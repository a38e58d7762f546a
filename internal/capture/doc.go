// Package capture defines the audio capture device abstraction used by the
// turn controller. A Feed is a push-driven device: the transport (for example
// a websocket reader) pushes PCM frames in and the controller consumes them
// as audio.Chunk values.
package capture
