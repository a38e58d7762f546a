// Package server exposes the conversation API over HTTP: one-shot chat turns,
// streamed speech synthesis, history access, buffered reply downloads and the
// websocket call endpoint, plus health, stats and Prometheus metrics.
package server
