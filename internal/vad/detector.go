package vad

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

// EventType identifies a voice activity transition
type EventType int

const (
	// EventSpeechStart is emitted when energy first crosses the threshold
	EventSpeechStart EventType = iota + 1
	// EventSpeechEnd is emitted once per silence episode after speech
	EventSpeechEnd
	// EventStop finalizes an open speech episode when the detector is stopped
	EventStop
)

// String returns the event name
func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a single voice activity transition
type Event struct {
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`        // Frame or tick time that triggered the event
	EnergyDB float64   `json:"energy_db"` // Energy of the triggering frame, -Inf on ticks
}

// Config holds detector parameters
type Config struct {
	ThresholdDB     float64       // Frames at or above this energy are speech
	SilenceDuration time.Duration // Silence needed after speech to emit SpeechEnd
	FrameSize       int           // Samples per analysis frame (256-2048)
	SampleInterval  time.Duration // Tick interval for the silence check
}

// DefaultConfig returns the detector defaults: -40 dBFS, 3s of silence,
// 2048-sample frames and a 60 Hz silence check.
func DefaultConfig() Config {
	return Config{
		ThresholdDB:     -40,
		SilenceDuration: 3 * time.Second,
		FrameSize:       2048,
		SampleInterval:  time.Second / 60,
	}
}

// Validate checks detector parameters
func (c Config) Validate() error {
	if math.IsNaN(c.ThresholdDB) || c.ThresholdDB > 0 {
		return fmt.Errorf("threshold must be a dBFS value <= 0, got %f", c.ThresholdDB)
	}
	if c.SilenceDuration <= 0 {
		return fmt.Errorf("silence duration must be positive, got %v", c.SilenceDuration)
	}
	if c.FrameSize < 256 || c.FrameSize > 2048 {
		return fmt.Errorf("frame size must be between 256 and 2048 samples, got %d", c.FrameSize)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %v", c.SampleInterval)
	}
	return nil
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalFrames     uint64    `json:"total_frames"`
	LoudFrames      uint64    `json:"loud_frames"`
	SkippedFrames   uint64    `json:"skipped_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	SpeechStarts    uint64    `json:"speech_starts"`
	SpeechEnds      uint64    `json:"speech_ends"`
	Speaking        bool      `json:"speaking"`
	Stopped         bool      `json:"stopped"`
	LastProcessed   time.Time `json:"last_processed"`
	ThresholdDB     float64   `json:"threshold_db"`
}

// Detector tracks voice activity for a single capture stream
type Detector struct {
	cfg Config

	// VAD state
	speaking bool      // Between SpeechStart and SpeechEnd
	lastLoud time.Time // Time of the most recent frame above threshold
	pending  []int16   // Samples carried over until a full frame is available

	// Statistics
	totalFrames   uint64
	loudFrames    uint64
	skippedFrames uint64
	starts        uint64
	ends          uint64
	lastProcessed time.Time

	stopped bool

	mu sync.Mutex
}

// NewDetector creates a new detector instance
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// ProcessChunk splits a chunk into frames and classifies each one. Frames are
// timestamped by their offset from the chunk capture time. Empty or
// odd-length chunks are skipped.
func (d *Detector) ProcessChunk(c audio.Chunk) []Event {
	if !c.Valid() {
		d.mu.Lock()
		d.skippedFrames++
		d.mu.Unlock()
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}

	samples := append(d.pending, c.Samples()...)
	// pending samples were captured before this chunk
	at := c.Timestamp().Add(-sampleDuration(len(d.pending), c.SampleRate()))

	var events []Event
	offset := 0
	for ; offset+d.cfg.FrameSize <= len(samples); offset += d.cfg.FrameSize {
		frameAt := at.Add(sampleDuration(offset+d.cfg.FrameSize, c.SampleRate()))
		if ev, ok := d.classify(samples[offset:offset+d.cfg.FrameSize], frameAt); ok {
			events = append(events, ev)
		}
	}
	d.pending = append(d.pending[:0:0], samples[offset:]...)

	return events
}

// Tick re-evaluates the silence timer without new audio
func (d *Detector) Tick(now time.Time) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return Event{}, false
	}
	return d.checkSilence(now, math.Inf(-1))
}

func (d *Detector) classify(samples []int16, at time.Time) (Event, bool) {
	energy := audio.EnergyDB(samples)

	d.totalFrames++
	d.lastProcessed = at

	if energy >= d.cfg.ThresholdDB {
		d.loudFrames++
		d.lastLoud = at
		if !d.speaking {
			d.speaking = true
			d.starts++
			return Event{Type: EventSpeechStart, At: at, EnergyDB: energy}, true
		}
		return Event{}, false
	}

	return d.checkSilence(at, energy)
}

func (d *Detector) checkSilence(now time.Time, energy float64) (Event, bool) {
	if !d.speaking {
		return Event{}, false
	}
	if now.Sub(d.lastLoud) < d.cfg.SilenceDuration {
		return Event{}, false
	}
	d.speaking = false
	d.ends++
	return Event{Type: EventSpeechEnd, At: now, EnergyDB: energy}, true
}

// Stop ends the event sequence. An open speech episode is finalized with
// EventStop; afterwards the detector emits nothing, even after Reset.
func (d *Detector) Stop() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return Event{}, false
	}
	d.stopped = true
	if !d.speaking {
		return Event{}, false
	}
	d.speaking = false
	return Event{Type: EventStop, At: time.Now(), EnergyDB: math.Inf(-1)}, true
}

// Reset clears speech state so the next loud frame starts a new turn
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = false
	d.lastLoud = time.Time{}
	d.pending = nil
}

// GetStats returns detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	var voicePercentage float64
	if d.totalFrames > 0 {
		voicePercentage = float64(d.loudFrames) / float64(d.totalFrames) * 100
	}

	return DetectorStats{
		TotalFrames:     d.totalFrames,
		LoudFrames:      d.loudFrames,
		SkippedFrames:   d.skippedFrames,
		VoicePercentage: voicePercentage,
		SpeechStarts:    d.starts,
		SpeechEnds:      d.ends,
		Speaking:        d.speaking,
		Stopped:         d.stopped,
		LastProcessed:   d.lastProcessed,
		ThresholdDB:     d.cfg.ThresholdDB,
	}
}

func sampleDuration(samples int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
