package transcode

import "fmt"

// TranscodeError reports undecodable input or a failed conversion.
// The turn that produced the audio is aborted.
type TranscodeError struct {
	Format Format
	Stage  string // detect, decode, resample, ffmpeg
	Stderr string // trimmed ffmpeg diagnostics, if any
	Cause  error
}

func (e *TranscodeError) Error() string {
	format := string(e.Format)
	if format == "" {
		format = "unknown"
	}
	if e.Stderr != "" {
		return fmt.Sprintf("transcode %s (%s): %v: %s", format, e.Stage, e.Cause, e.Stderr)
	}
	return fmt.Sprintf("transcode %s (%s): %v", format, e.Stage, e.Cause)
}

func (e *TranscodeError) Unwrap() error {
	return e.Cause
}
