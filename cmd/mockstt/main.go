// Command mockstt serves a fixed transcript on the multipart transcription
// API used by the "http" transcription provider. It is meant for local runs
// without a speech-to-text backend.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

type transcriptionResponse struct {
	RequestID   string    `json:"request_id"`
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence"`
	Language    string    `json:"language"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

type handler struct {
	text   string
	delay  time.Duration
	logger *slog.Logger
}

func (h *handler) transcribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	var duration float64
	if info, err := audio.GetWAVInfo(data); err == nil {
		duration = info.Duration
	} else if v, perr := strconv.ParseFloat(r.FormValue("duration"), 64); perr == nil {
		duration = v
	}

	h.logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("filename", header.Filename),
		slog.Int("audio_bytes", len(data)),
		slog.Float64("duration", duration),
		slog.String("sample_rate", r.FormValue("sample_rate")),
		slog.String("language", r.FormValue("language")),
		slog.String("model", r.FormValue("model")),
	)

	select {
	case <-time.After(h.delay):
	case <-r.Context().Done():
		return
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, h.text)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		RequestID:   r.FormValue("request_id"),
		Text:        h.text,
		Confidence:  0.95,
		Language:    language,
		Duration:    duration,
		ProcessedAt: time.Now(),
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "This is a test transcription.", "Transcript returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	h := &handler{text: *text, delay: *delay, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", h.transcribe)

	logger.Info("Mock transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/transcribe"),
	)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
