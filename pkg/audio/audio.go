// Package audio holds the PCM helpers shared by the transcription layer:
// duration arithmetic, RMS energy profiles for content fingerprints, WAV
// wrapping of raw sample buffers, and downmix/resample for endpoints that
// only accept 16 kHz mono.
//
// All functions operate on 16-bit signed little-endian PCM unless stated
// otherwise.
package audio

import (
	"encoding/binary"
	"math"
	"strings"
	"time"
)

const (
	// BitsPerSample is fixed at 16 for all PCM handled by this package.
	BitsPerSample = 16

	// EncodingPCM is the encoding name for raw 16-bit little-endian PCM.
	EncodingPCM = "pcm_s16le"
)

// IsPCM reports whether encoding names raw 16-bit PCM. An empty encoding is
// treated as PCM.
func IsPCM(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "", EncodingPCM, "pcm", "s16le", "linear16":
		return true
	}
	return false
}

// BytesPerSecond returns how many PCM bytes hold one second of audio.
// Returns 0 for invalid inputs.
func BytesPerSecond(sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return sampleRate * channels * (BitsPerSample / 8)
}

// Duration returns the playback length of n PCM bytes.
func Duration(n, sampleRate, channels int) time.Duration {
	bps := BytesPerSecond(sampleRate, channels)
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// RMS returns the root-mean-square energy of a PCM buffer in sample units
// (0–32 767). Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// EnergyProfile splits data into chunks equal-sized windows and returns the
// RMS of each. Container formats are read as if they were PCM; the profile
// is a coarse acoustic signature, not a decoded measurement. Trailing bytes
// that do not fill a window are folded into the last one.
func EnergyProfile(data []byte, chunks int) []float64 {
	if chunks <= 0 || len(data) < 2 {
		return nil
	}
	size := len(data) / chunks
	size -= size % 2
	if size < 2 {
		return []float64{RMS(data)}
	}
	out := make([]float64, 0, chunks)
	for i := range chunks {
		start := i * size
		end := start + size
		if i == chunks-1 {
			end = len(data)
		}
		out = append(out, RMS(data[start:end]))
	}
	return out
}
