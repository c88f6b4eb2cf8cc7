package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// WAVFormat describes a PCM payload
type WAVFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// EncodeWAV wraps PCM in a canonical RIFF/WAVE header.
func EncodeWAV(pcm []byte, format WAVFormat) []byte {
	blockAlign := format.Channels * format.BitDepth / 8
	byteRate := format.SampleRate * blockAlign

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(format.BitDepth))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV walks the RIFF chunks and returns the PCM data and its format.
// Only 16-bit integer PCM is accepted.
func DecodeWAV(data []byte) ([]byte, WAVFormat, error) {
	var format WAVFormat
	if !IsWAV(data) {
		return nil, format, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidFormat)
	}

	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// streamed WAVs often carry a bogus data size
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, format, fmt.Errorf("%w: short fmt chunk", ErrInvalidFormat)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			format.BitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if audioFormat != 1 && audioFormat != 0xFFFE {
				return nil, format, fmt.Errorf("%w: unsupported encoding %d", ErrInvalidFormat, audioFormat)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, format, fmt.Errorf("%w: data before fmt", ErrInvalidFormat)
			}
			if format.BitDepth != 16 {
				return nil, format, fmt.Errorf("%w: %d-bit samples", ErrInvalidFormat, format.BitDepth)
			}
			return data[body:end], format, nil
		}

		// chunks are word aligned
		pos = end + size%2
	}

	return nil, format, fmt.Errorf("%w: no data chunk", ErrInvalidFormat)
}
