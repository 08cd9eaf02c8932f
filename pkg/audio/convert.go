package audio

import "encoding/binary"

// whisperRate is the sample rate whisper.cpp expects.
const whisperRate = 16000

// ToMono16k converts 16-bit little-endian PCM with any channel count to
// 16 kHz mono, the input format whisper.cpp expects. Channels are averaged
// per frame and the result is resampled by linear interpolation. Input that
// is already 16 kHz mono is returned unchanged; a trailing partial frame is
// dropped.
func ToMono16k(pcm []byte, sampleRate, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	if sampleRate <= 0 {
		sampleRate = whisperRate
	}
	if channels == 1 && sampleRate == whisperRate {
		return pcm
	}

	mono := downmix(pcm, channels)
	if sampleRate == whisperRate || len(mono) < 2 {
		return samplesToPCM(mono)
	}

	n := int(int64(len(mono)) * whisperRate / int64(sampleRate))
	out := make([]int16, n)
	ratio := float64(sampleRate) / whisperRate
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := mono[idx]
		if idx+1 < len(mono) {
			next = mono[idx+1]
		}
		out[i] = clamp16(float64(mono[idx])*(1-frac) + float64(next)*frac)
	}
	return samplesToPCM(out)
}

// downmix averages each frame's channels. The sum is held in int32 so that
// loud frames cannot wrap.
func downmix(pcm []byte, channels int) []int16 {
	frameSize := 2 * channels
	out := make([]int16, len(pcm)/frameSize)
	for i := range out {
		var sum int32
		frame := pcm[i*frameSize:]
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(frame[ch*2:])))
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// clamp16 rounds v to the nearest int16, saturating at the type bounds
// instead of wrapping.
func clamp16(v float64) int16 {
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	case v < 0:
		return int16(v - 0.5)
	default:
		return int16(v + 0.5)
	}
}

func samplesToPCM(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
