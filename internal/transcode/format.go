package transcode

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format identifies a source audio encoding
type Format string

// Supported source formats
const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatPCM     Format = "pcm" // raw little-endian 16-bit
	FormatWebM    Format = "webm"
	FormatOgg     Format = "ogg"
	FormatMP3     Format = "mp3"
	FormatM4A     Format = "m4a"
)

// NeedsFFmpeg reports whether the format is decoded by the external process
func (f Format) NeedsFFmpeg() bool {
	switch f {
	case FormatWebM, FormatOgg, FormatMP3, FormatM4A:
		return true
	default:
		return false
	}
}

// ParseFormat maps a format name, MIME type, file name or extension to a
// Format. Unrecognized input yields FormatUnknown.
func ParseFormat(s string) Format {
	s = strings.ToLower(strings.TrimSpace(s))
	if idx := strings.Index(s, ";"); idx != -1 {
		s = strings.TrimSpace(s[:idx])
	}
	if ext := filepath.Ext(s); ext != "" && !strings.Contains(s, "/") {
		s = ext
	}
	s = strings.TrimPrefix(s, ".")

	switch s {
	case "wav", "wave", "audio/wav", "audio/x-wav", "audio/wave":
		return FormatWAV
	case "pcm", "raw", "s16le", "audio/pcm", "audio/l16":
		return FormatPCM
	case "webm", "audio/webm", "video/webm":
		return FormatWebM
	case "ogg", "oga", "opus", "audio/ogg", "audio/opus":
		return FormatOgg
	case "mp3", "mpeg", "audio/mpeg", "audio/mp3":
		return FormatMP3
	case "m4a", "mp4", "aac", "audio/mp4", "audio/x-m4a", "audio/aac":
		return FormatM4A
	default:
		return FormatUnknown
	}
}

// Sniff guesses the container from its leading magic bytes
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS")):
		return FormatOgg
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatM4A
	default:
		return FormatUnknown
	}
}
