package audio

import "encoding/binary"

// EncodeWAV wraps raw PCM data in a standard RIFF/WAV container suitable for
// direct inclusion in a multipart upload.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := BitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// Upload describes an audio payload ready for a multipart file field.
type Upload struct {
	Data        []byte
	FileName    string
	ContentType string
}

// PrepareUpload returns data in a form a transcription endpoint accepts. Raw
// PCM is wrapped in a WAV container; container formats pass through with a
// matching file name so the endpoint can sniff them.
func PrepareUpload(data []byte, encoding string, sampleRate, channels int) Upload {
	if IsPCM(encoding) {
		if sampleRate <= 0 {
			sampleRate = 16000
		}
		if channels <= 0 {
			channels = 1
		}
		return Upload{
			Data:        EncodeWAV(data, sampleRate, channels),
			FileName:    "audio.wav",
			ContentType: "audio/wav",
		}
	}
	switch encoding {
	case "mp3", "mpeg":
		return Upload{Data: data, FileName: "audio.mp3", ContentType: "audio/mpeg"}
	case "webm":
		return Upload{Data: data, FileName: "audio.webm", ContentType: "audio/webm"}
	case "ogg", "opus":
		return Upload{Data: data, FileName: "audio.ogg", ContentType: "audio/ogg"}
	case "m4a", "mp4":
		return Upload{Data: data, FileName: "audio.m4a", ContentType: "audio/mp4"}
	case "flac":
		return Upload{Data: data, FileName: "audio.flac", ContentType: "audio/flac"}
	}
	return Upload{Data: data, FileName: "audio.wav", ContentType: "audio/wav"}
}
