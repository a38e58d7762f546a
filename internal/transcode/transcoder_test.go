package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

func sine(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16((i % 100) * 100)
	}
	return samples
}

func newTestTranscoder(t *testing.T, ffmpeg string) (*Transcoder, string) {
	t.Helper()
	tmp := t.TempDir()
	return New(Config{
		FFmpegPath:       ffmpeg,
		TempDir:          tmp,
		Timeout:          5 * time.Second,
		TargetSampleRate: 16000,
	}, nil), tmp
}

// writeScript creates an executable shell script standing in for ffmpeg
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch storage was not released")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
	}{
		{"wav", FormatWAV},
		{"audio/x-wav", FormatWAV},
		{"audio/webm;codecs=opus", FormatWebM},
		{"recording.webm", FormatWebM},
		{".ogg", FormatOgg},
		{"audio/mpeg", FormatMP3},
		{"voice.m4a", FormatM4A},
		{"pcm", FormatPCM},
		{"flac", FormatUnknown},
		{"", FormatUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseFormat(tt.input), "input %q", tt.input)
	}
}

func TestSniff(t *testing.T) {
	wav, err := audio.EncodeWAV(sine(10), 16000)
	require.NoError(t, err)

	assert.Equal(t, FormatWAV, Sniff(wav))
	assert.Equal(t, FormatWebM, Sniff([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}))
	assert.Equal(t, FormatOgg, Sniff([]byte("OggS\x00\x02")))
	assert.Equal(t, FormatMP3, Sniff([]byte("ID3\x04\x00")))
	assert.Equal(t, FormatM4A, Sniff([]byte("\x00\x00\x00\x20ftypM4A ")))
	assert.Equal(t, FormatUnknown, Sniff([]byte("hello world")))
}

func TestTranscodeWAVPassthrough(t *testing.T) {
	tr, _ := newTestTranscoder(t, "ffmpeg")
	samples := sine(1600)
	wav, err := audio.EncodeWAV(samples, 16000)
	require.NoError(t, err)

	result, err := tr.Transcode(context.Background(), wav, Source{})
	require.NoError(t, err)

	assert.Equal(t, 16000, result.SampleRate)
	assert.Equal(t, 1, result.Channels)
	assert.Equal(t, FormatWAV, result.Source)
	assert.False(t, result.Converted)
	assert.Equal(t, audio.SamplesToBytes(samples), result.PCM)
	assert.Equal(t, 100*time.Millisecond, result.Duration)
}

func TestTranscodeStereoWAVDownmixedAndResampled(t *testing.T) {
	tr, _ := newTestTranscoder(t, "ffmpeg")

	// 0.5s of 48kHz stereo
	stereo := sine(48000)
	pcm := audio.SamplesToBytes(stereo)
	wav, err := audio.EncodePCM(pcm, 48000, 2)
	require.NoError(t, err)

	result, err := tr.Transcode(context.Background(), wav, Source{Format: FormatWAV})
	require.NoError(t, err)

	assert.Equal(t, 16000, result.SampleRate)
	assert.Equal(t, 1, result.Channels)
	// 24000 mono frames at 48kHz become 8000 at 16kHz
	assert.Len(t, result.PCM, 8000*2)
	assert.Equal(t, 500*time.Millisecond, result.Duration)
}

func TestTranscodeResampleKeepsDuration(t *testing.T) {
	tr, _ := newTestTranscoder(t, "ffmpeg")

	tests := []struct {
		name    string
		rate    int
		samples int
		want    int
	}{
		{"48k short", 48000, 480, 160},
		{"48k 100ms", 48000, 4800, 1600},
		{"48k 1s", 48000, 48000, 16000},
		{"44.1k 1s", 44100, 44100, 16000},
		{"8k upsample", 8000, 8000, 16000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tr.Transcode(context.Background(), audio.SamplesToBytes(sine(tt.samples)), Source{
				Format:     FormatPCM,
				SampleRate: tt.rate,
				Channels:   1,
			})
			require.NoError(t, err)
			assert.Equal(t, 16000, result.SampleRate)
			assert.Len(t, result.PCM, tt.want*2)
		})
	}
}

func TestTranscodeRawPCM(t *testing.T) {
	tr, _ := newTestTranscoder(t, "ffmpeg")

	result, err := tr.Transcode(context.Background(), audio.SamplesToBytes(sine(320)), Source{Format: FormatPCM})
	require.NoError(t, err)
	assert.Len(t, result.PCM, 640)

	_, err = tr.Transcode(context.Background(), []byte{1, 2, 3}, Source{Format: FormatPCM})
	var tErr *TranscodeError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "decode", tErr.Stage)
}

func TestTranscodeRejectsUnknownAndEmpty(t *testing.T) {
	tr, _ := newTestTranscoder(t, "ffmpeg")

	_, err := tr.Transcode(context.Background(), []byte("definitely not audio"), Source{})
	var tErr *TranscodeError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "detect", tErr.Stage)

	_, err = tr.Transcode(context.Background(), nil, Source{Format: FormatWAV})
	require.ErrorAs(t, err, &tErr)
}

func TestTranscodeCorruptWAV(t *testing.T) {
	tr, _ := newTestTranscoder(t, "ffmpeg")

	corrupt := make([]byte, 64)
	copy(corrupt, "RIFF\x00\x00\x00\x00WAVEjunk")

	_, err := tr.Transcode(context.Background(), corrupt, Source{Format: FormatWAV})
	var tErr *TranscodeError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, FormatWAV, tErr.Format)
}

func TestTranscodeWithFFmpeg(t *testing.T) {
	fixture, err := audio.EncodeWAV(sine(3200), 16000)
	require.NoError(t, err)
	fixturePath := filepath.Join(t.TempDir(), "fixture.wav")
	require.NoError(t, os.WriteFile(fixturePath, fixture, 0644))

	// copy the fixture to the last argument, which is the output path
	script := writeScript(t, `for last; do :; done
cp "$FAKE_FFMPEG_FIXTURE" "$last"
`)
	t.Setenv("FAKE_FFMPEG_FIXTURE", fixturePath)

	tr, scratch := newTestTranscoder(t, script)
	result, err := tr.Transcode(context.Background(), []byte{0x1A, 0x45, 0xDF, 0xA3, 0, 0}, Source{Format: FormatWebM})
	require.NoError(t, err)

	assert.True(t, result.Converted)
	assert.Equal(t, FormatWebM, result.Source)
	assert.Len(t, result.PCM, 6400)
	assertEmptyDir(t, scratch)
}

func TestTranscodeFFmpegFailure(t *testing.T) {
	script := writeScript(t, `echo "Invalid data found when processing input" >&2
exit 1
`)
	tr, scratch := newTestTranscoder(t, script)

	_, err := tr.Transcode(context.Background(), []byte("OggS garbage"), Source{})
	var tErr *TranscodeError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "ffmpeg", tErr.Stage)
	assert.Equal(t, FormatOgg, tErr.Format)
	assert.Contains(t, tErr.Stderr, "Invalid data found")
	assertEmptyDir(t, scratch)
}

func TestTranscodeMissingFFmpeg(t *testing.T) {
	tr, scratch := newTestTranscoder(t, filepath.Join(t.TempDir(), "no-such-ffmpeg"))

	_, err := tr.Transcode(context.Background(), []byte("ID3 not really mp3"), Source{})
	var tErr *TranscodeError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, FormatMP3, tErr.Format)
	assertEmptyDir(t, scratch)
}
