package stream

// Client control message types
const (
	ControlAnswer         = "answer"
	ControlStop           = "stop"
	ControlEnd            = "end"
	ControlPlaybackDone   = "playback_done"
	ControlPlaybackFailed = "playback_failed"
)

// Server event types
const (
	EventSession    = "session"
	EventState      = "state"
	EventTranscript = "transcript"
	EventToken      = "token"
	EventReply      = "reply"
	EventAudioStart = "audio_start"
	EventAudioEnd   = "audio_end"
	EventAudioURL   = "audio_url"
	EventError      = "error"
)

// ControlMessage is a JSON text frame sent by the client. Audio travels in
// binary frames.
type ControlMessage struct {
	Type  string `json:"type"`
	Turn  uint64 `json:"turn,omitempty"`  // playback_done/playback_failed: the reply's turn
	Error string `json:"error,omitempty"` // playback_failed reason
}

// Event is a JSON text frame sent to the client
type Event struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	State       string `json:"state,omitempty"`
	Turn        uint64 `json:"turn,omitempty"`
	Text        string `json:"text,omitempty"`
	Transcript  string `json:"transcript,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Bytes       int64  `json:"bytes,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
}
