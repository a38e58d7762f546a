package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/artifact"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/history"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/pipeline"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/relay"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/synthesis"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcode"
)

const maxTTSBodyBytes = 1 << 20

// chatResponse is the /api/chat reply
type chatResponse struct {
	SessionID        string          `json:"session_id"`
	Transcript       string          `json:"transcript"`
	Text             string          `json:"text"`
	Outcome          string          `json:"outcome"`
	Audio            string          `json:"audio,omitempty"`
	ContentType      string          `json:"content_type,omitempty"`
	StreamingEnabled bool            `json:"streamingEnabled,omitempty"`
	StreamText       string          `json:"streamText,omitempty"`
	Timing           pipeline.Timing `json:"timing"`
	Error            string          `json:"error,omitempty"`
}

// ttsRequest is the /api/tts-stream body
type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
	Model   string `json:"model"`
	Format  string `json:"format"`
}

// historyResponse is the /api/history reply
type historyResponse struct {
	SessionID string            `json:"session_id"`
	Count     int               `json:"count"`
	Messages  []history.Message `json:"messages"`
}

// handleChat implements POST /api/chat: one turn from an uploaded recording
func (h *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.HTTP.MaxUploadBytes)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Audio upload too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read audio file", err)
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Audio file is empty", nil)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	src, err := chatSource(r, header)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid audio parameters", err)
		return
	}

	var mode pipeline.Mode
	streaming := strings.EqualFold(r.Header.Get(StreamingHeader), "true")
	if streaming {
		mode = pipeline.ModeTextOnly
	}

	result, err := h.deps.Pipeline.Process(r.Context(), pipeline.Request{
		SessionID: sessionID,
		Audio:     data,
		Source:    src,
		Mode:      mode,
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrSessionBusy):
			writeError(w, http.StatusConflict, "Session is busy", err)
		case errors.Is(err, pipeline.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, "Invalid request", err)
		case errors.Is(err, context.Canceled):
			h.logger.Debug("Client went away during chat turn", slog.String("session_id", sessionID))
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "Processing timed out", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to process audio", err)
		}
		return
	}
	defer result.Close()

	resp := chatResponse{
		SessionID:   result.SessionID,
		Transcript:  result.Transcript,
		Text:        result.ResponseText,
		Outcome:     string(result.Outcome),
		Audio:       result.AudioURL,
		ContentType: result.ContentType,
		Timing:      result.Timing,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	if streaming && result.ResponseText != "" &&
		(result.Outcome == pipeline.OutcomeSuccess || h.config.Pipeline.SpeakFallback) {
		resp.StreamingEnabled = true
		resp.StreamText = result.ResponseText
	}

	status := http.StatusOK
	if result.Outcome == pipeline.OutcomeFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// chatSource describes the upload. The format comes from the form, then the
// part's content type, then the file name; unknown formats are sniffed.
func chatSource(r *http.Request, header *multipart.FileHeader) (transcode.Source, error) {
	format := transcode.ParseFormat(r.FormValue("format"))
	if format == transcode.FormatUnknown {
		format = transcode.ParseFormat(header.Header.Get("Content-Type"))
	}
	if format == transcode.FormatUnknown {
		format = transcode.ParseFormat(header.Filename)
	}

	src := transcode.Source{Format: format}
	if format != transcode.FormatPCM {
		return src, nil
	}

	src.SampleRate = 16000
	src.Channels = 1
	if v := r.FormValue("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return src, errors.New("sample_rate must be a positive integer")
		}
		src.SampleRate = n
	}
	if v := r.FormValue("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return src, errors.New("channels must be a positive integer")
		}
		src.Channels = n
	}
	return src, nil
}

// handleTTSStream implements POST /api/tts-stream: synthesized speech relayed
// as it arrives
func (h *HTTPServer) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ttsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTTSBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "No text provided", nil)
		return
	}

	audio, err := h.deps.Synthesizer.Synthesize(r.Context(), text, synthesis.Options{
		Voice:  req.VoiceID,
		Model:  req.Model,
		Format: req.Format,
	})
	if err != nil {
		h.writeSynthesisError(w, err)
		return
	}
	defer audio.Close()

	w.Header().Set("X-Processing-Time", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	w.Header().Set("X-Text-Length", strconv.Itoa(len(text)))
	w.Header().Set("X-Estimated-Audio-Length", strconv.Itoa(synthesis.EstimateDuration(text)))

	stats, err := relay.ServeHTTP(r.Context(), w, audio.Body, audio.ContentType, audio.ContentLength)
	status := stats.Status()
	if err != nil {
		status = relay.StatusFailed
	}
	h.metrics.RecordRelay(status, stats.Bytes)

	if err == nil {
		h.logger.Info("TTS stream completed",
			slog.Int("text_length", len(text)),
			slog.Int64("bytes", stats.Bytes),
			slog.Duration("elapsed", stats.Elapsed),
			slog.String("status", status),
		)
		return
	}

	var srcErr *relay.SourceError
	if errors.As(err, &srcErr) {
		h.logger.Error("Synthesis stream failed mid-relay",
			slog.Int64("bytes", stats.Bytes),
			slog.String("error", err.Error()),
		)
		// Abort so the client sees a truncated transfer, not a clean end
		panic(http.ErrAbortHandler)
	}

	h.logger.Info("Client stopped TTS stream",
		slog.Int64("bytes", stats.Bytes),
		slog.String("error", err.Error()),
	)
}

func (h *HTTPServer) writeSynthesisError(w http.ResponseWriter, err error) {
	var synthErr *synthesis.SynthesisError
	switch {
	case errors.Is(err, synthesis.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "No text provided", err)
	case errors.Is(err, context.Canceled):
		h.logger.Debug("Client went away before synthesis started")
	case errors.As(err, &synthErr) && synthErr.StatusCode == http.StatusTooManyRequests:
		writeError(w, http.StatusTooManyRequests, "Speech synthesis is rate limited", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Speech synthesis timed out", err)
	default:
		h.logger.Error("Speech synthesis failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "Failed to generate speech", err)
	}
}

// handleGetHistory implements GET /api/history/{session}
func (h *HTTPServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if err := history.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid session id", err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	messages, err := h.deps.History.Recent(r.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("Failed to read history",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Failed to read history", err)
		return
	}
	if messages == nil {
		messages = []history.Message{}
	}

	writeJSON(w, http.StatusOK, historyResponse{
		SessionID: sessionID,
		Count:     len(messages),
		Messages:  messages,
	})
}

// handleClearHistory implements DELETE /api/history/{session}
func (h *HTTPServer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if err := history.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid session id", err)
		return
	}

	if err := h.deps.History.Clear(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear history", err)
		return
	}

	h.logger.Info("History cleared", slog.String("session_id", sessionID))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"cleared":    true,
	})
}

// handleAudio implements GET /audio/{name} for buffered replies
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	if h.deps.Artifacts == nil {
		writeError(w, http.StatusNotFound, "Audio not found", nil)
		return
	}

	body, info, err := h.deps.Artifacts.Open(r.Context(), r.PathValue("name"))
	if err != nil {
		switch {
		case errors.Is(err, artifact.ErrInvalidName):
			writeError(w, http.StatusBadRequest, "Invalid audio name", err)
		case errors.Is(err, artifact.ErrNotFound):
			writeError(w, http.StatusNotFound, "Audio not found", nil)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to open audio", err)
		}
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", info.ContentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("Audio download interrupted",
			slog.String("name", info.Name),
			slog.String("error", err.Error()),
		)
	}
}
