package turn

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionEnded is returned for any event delivered after End
var ErrSessionEnded = errors.New("session ended")

// State is the conversation turn state
type State int

const (
	StateIdle State = iota
	StateListening
	StateSegmenting
	StateProcessing
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSegmenting:
		return "segmenting"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType is an input to the state machine
type EventType int

const (
	EventAnswer EventType = iota
	EventSpeechStart
	EventSpeechEnd
	EventStop
	EventResultAudio
	EventResultEmpty
	EventResultFailed
	EventPlaybackDone
	EventPlaybackFailed
	EventResume
	EventEnd
	EventCaptureFailed
)

func (e EventType) String() string {
	switch e {
	case EventAnswer:
		return "answer"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventStop:
		return "stop"
	case EventResultAudio:
		return "result_audio"
	case EventResultEmpty:
		return "result_empty"
	case EventResultFailed:
		return "result_failed"
	case EventPlaybackDone:
		return "playback_done"
	case EventPlaybackFailed:
		return "playback_failed"
	case EventResume:
		return "resume"
	case EventEnd:
		return "end"
	case EventCaptureFailed:
		return "capture_failed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// EffectKind names a side effect the controller performs
type EffectKind int

const (
	EffectAcquireCapture EffectKind = iota
	EffectStartVAD
	EffectBeginUtterance
	EffectSealUtterance
	EffectDispatchProcess
	EffectStartPlayback
	EffectScheduleResume
	EffectResumeListening
	EffectStopVAD
	EffectCancelProcessing
	EffectStopPlayback
	EffectReleaseCapture
	EffectSurfaceError
)

func (k EffectKind) String() string {
	names := [...]string{
		"acquire_capture", "start_vad", "begin_utterance", "seal_utterance",
		"dispatch_process", "start_playback", "schedule_resume", "resume_listening",
		"stop_vad", "cancel_processing", "stop_playback", "release_capture", "surface_error",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

// Effect is one side effect of a transition
type Effect struct {
	Kind  EffectKind
	Delay time.Duration // EffectScheduleResume only
}

// Timing holds the delays used by transitions
type Timing struct {
	ResumeDelay   time.Duration // after an empty or failed result
	FallbackDelay time.Duration // after failed playback
}

// DefaultTiming returns the standard delays
func DefaultTiming() Timing {
	return Timing{
		ResumeDelay:   500 * time.Millisecond,
		FallbackDelay: 2 * time.Second,
	}
}

// TransitionError is returned when an event is not valid in the current state.
// The state is unchanged.
type TransitionError struct {
	From  State
	Event EventType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s is not valid in state %s", e.Event, e.From)
}

func effects(kinds ...EffectKind) []Effect {
	out := make([]Effect, len(kinds))
	for i, k := range kinds {
		out[i] = Effect{Kind: k}
	}
	return out
}

// Next returns the state after ev and the effects to perform, in order.
// Processing and Speaking do not leave for Listening on a failure directly:
// they schedule a Resume event and stay put until it arrives.
func Next(state State, ev EventType, timing Timing) (State, []Effect, error) {
	if state == StateEnded {
		return StateEnded, nil, ErrSessionEnded
	}

	switch ev {
	case EventEnd:
		return StateEnded, effects(EffectStopVAD, EffectCancelProcessing, EffectStopPlayback, EffectReleaseCapture), nil
	case EventCaptureFailed:
		return StateEnded, effects(EffectSurfaceError, EffectStopVAD, EffectCancelProcessing, EffectStopPlayback, EffectReleaseCapture), nil
	}

	switch state {
	case StateIdle:
		if ev == EventAnswer {
			return StateListening, effects(EffectAcquireCapture, EffectStartVAD), nil
		}

	case StateListening:
		if ev == EventSpeechStart {
			return StateSegmenting, effects(EffectBeginUtterance), nil
		}

	case StateSegmenting:
		if ev == EventSpeechEnd || ev == EventStop {
			return StateProcessing, effects(EffectSealUtterance, EffectDispatchProcess), nil
		}

	case StateProcessing:
		switch ev {
		case EventResultAudio:
			return StateSpeaking, effects(EffectStartPlayback), nil
		case EventResultEmpty, EventResultFailed:
			return StateProcessing, []Effect{{Kind: EffectScheduleResume, Delay: timing.ResumeDelay}}, nil
		case EventResume:
			return StateListening, effects(EffectResumeListening), nil
		}

	case StateSpeaking:
		switch ev {
		case EventPlaybackDone:
			return StateListening, effects(EffectResumeListening), nil
		case EventPlaybackFailed:
			return StateSpeaking, []Effect{{Kind: EffectScheduleResume, Delay: timing.FallbackDelay}}, nil
		case EventResume:
			return StateListening, effects(EffectResumeListening), nil
		}
	}

	return state, nil, &TransitionError{From: state, Event: ev}
}
