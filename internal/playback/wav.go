package playback

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Clip is one decoded synthesized-audio fragment, ready for rendering.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Duration returns the rendering time of the clip. The fallback timer is
// armed from this plus a fixed margin.
func (c *Clip) Duration() time.Duration {
	bytesPerSecond := c.SampleRate * c.Channels * 2
	if bytesPerSecond <= 0 || len(c.PCM) == 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(bytesPerSecond)
}

const wavHeaderMin = 12

// DecodeWAV parses a self-contained RIFF/WAVE payload into PCM16 samples.
// The remote synthesizer sends complete WAV files, one per fragment; each
// is decoded independently when its turn in the queue arrives.
func DecodeWAV(payload []byte) (*Clip, error) {
	if len(payload) < wavHeaderMin {
		return nil, fmt.Errorf("wav payload too short: %d bytes", len(payload))
	}
	if string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE payload")
	}

	var (
		clip     Clip
		haveFmt  bool
		haveData bool
	)

	offset := wavHeaderMin
	for offset+8 <= len(payload) {
		chunkID := string(payload[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(payload[offset+4 : offset+8]))
		body := offset + 8
		if chunkSize < 0 || body+chunkSize > len(payload) {
			return nil, fmt.Errorf("truncated %q chunk", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			audioFormat := binary.LittleEndian.Uint16(payload[body : body+2])
			if audioFormat != 1 {
				return nil, fmt.Errorf("unsupported wav audio format %d, want PCM", audioFormat)
			}
			clip.Channels = int(binary.LittleEndian.Uint16(payload[body+2 : body+4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(payload[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(payload[body+14 : body+16])
			if bits != 16 {
				return nil, fmt.Errorf("unsupported wav bit depth %d, want 16", bits)
			}
			haveFmt = true

		case "data":
			clip.PCM = payload[body : body+chunkSize]
			haveData = true
		}

		// Chunks are word-aligned.
		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if !haveFmt {
		return nil, fmt.Errorf("wav payload missing fmt chunk")
	}
	if !haveData {
		return nil, fmt.Errorf("wav payload missing data chunk")
	}
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return nil, fmt.Errorf("invalid wav format: rate=%d channels=%d", clip.SampleRate, clip.Channels)
	}

	return &clip, nil
}

// EncodeWAV adds a RIFF/WAVE header to raw PCM16 data. The test server uses
// it to synthesize fragments in the same shape the remote pipeline sends.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
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
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
