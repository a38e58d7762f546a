// Package transcription implements the speech-to-text adapters. Audio is
// submitted as 16 kHz mono PCM wrapped in WAV, either to an OpenAI-compatible
// Whisper endpoint or to a plain multipart HTTP endpoint.
package transcription
