// Package generation implements the response generation adapters: any
// OpenAI-compatible chat endpoint (OpenAI itself or a local Ollama server)
// and Google Gemini. Both support whole-response and token streaming calls.
package generation
