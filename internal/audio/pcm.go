package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesToSamples converts little-endian PCM-16 bytes to samples
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes converts PCM-16 samples to little-endian bytes
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// BytesDuration returns the duration of n bytes of mono PCM-16 at sampleRate
func BytesDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Downmix averages interleaved channels into a mono signal
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(samples[i*channels+ch])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// MeanAbsDeviation returns the mean absolute deviation of the samples from
// the signal midpoint (zero for signed PCM).
func MeanAbsDeviation(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// EnergyDB returns the mean absolute deviation expressed in dBFS.
// Digital silence yields -Inf.
func EnergyDB(samples []int16) float64 {
	mad := MeanAbsDeviation(samples)
	if mad == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(mad/32768.0)
}

// SamplesToFloat converts PCM-16 samples to the [-1, 1) range
func SamplesToFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768.0
	}
	return out
}

// FloatToSamples converts [-1, 1] floats back to PCM-16 with clipping
func FloatToSamples(values []float64) []int16 {
	out := make([]int16, len(values))
	for i, v := range values {
		scaled := math.Round(v * 32768.0)
		switch {
		case scaled > math.MaxInt16:
			scaled = math.MaxInt16
		case scaled < math.MinInt16:
			scaled = math.MinInt16
		}
		out[i] = int16(scaled)
	}
	return out
}
