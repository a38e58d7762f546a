// Package transcode normalizes uploaded or captured audio to 16 kHz mono
// 16-bit PCM. WAV and raw PCM are decoded in-process and resampled;
// compressed containers (webm, ogg, mp3, m4a) are converted by ffmpeg.
package transcode
