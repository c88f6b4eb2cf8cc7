// Package playback turns synthesized speech and remote voice into sound.
package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/normanking/caredesk/internal/audio"
)

var (
	ErrPlaybackFailed     = errors.New("playback failed")
	ErrUnsupportedPayload = errors.New("unsupported audio payload")
)

// PCM is decoded interleaved 16-bit audio
type PCM struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Decode recognizes WAV and MP3 payloads from the speech service.
func Decode(data []byte) (*PCM, error) {
	switch {
	case audio.IsWAV(data):
		raw, format, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		return &PCM{Samples: audio.BytesToInt16(raw), SampleRate: format.SampleRate, Channels: format.Channels}, nil
	case isMP3(data):
		dec, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open mp3 stream: %w", err)
		}
		raw, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decode mp3 stream: %w", err)
		}
		// go-mp3 always yields 16-bit stereo
		return &PCM{Samples: audio.BytesToInt16(raw), SampleRate: dec.SampleRate(), Channels: 2}, nil
	default:
		return nil, ErrUnsupportedPayload
	}
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	// MPEG frame sync
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// Convert downmixes to the target channel count and linearly resamples.
func Convert(in *PCM, sampleRate, channels int) []int16 {
	if in.Channels <= 0 || in.SampleRate <= 0 {
		return nil
	}

	mono := in.Samples
	if in.Channels > 1 {
		frames := len(in.Samples) / in.Channels
		mono = make([]int16, frames)
		for i := 0; i < frames; i++ {
			var sum int
			for ch := 0; ch < in.Channels; ch++ {
				sum += int(in.Samples[i*in.Channels+ch])
			}
			mono[i] = int16(sum / in.Channels)
		}
	}

	resampled := resample(mono, in.SampleRate, sampleRate)

	if channels <= 1 {
		return resampled
	}
	out := make([]int16, len(resampled)*channels)
	for i, s := range resampled {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = s
		}
	}
	return out
}

func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
	}
	return out
}
