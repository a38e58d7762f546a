// Package vad provides energy-based voice activity detection for 16-bit PCM.
// A Detector classifies fixed-size frames against a dBFS threshold and emits
// edge-triggered SpeechStart/SpeechEnd events; a Sampler re-checks the silence
// timer on a fixed tick so end-of-speech fires even when frames stall.
package vad
