// Package audio holds the PCM primitives shared by capture, voice activity
// detection and transcoding: immutable capture chunks, the sealable
// utterance segment buffer, 16-bit PCM helpers, and WAV encoding/decoding.
package audio
