// Package stream manages websocket call sessions. Each call owns a capture
// feed and a turn controller; the client streams PCM-16 frames and control
// messages in and receives state events and reply audio back. Idle calls are
// closed after a configurable inactivity timeout.
package stream
