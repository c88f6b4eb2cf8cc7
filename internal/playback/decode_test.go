package playback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/caredesk/internal/audio"
)

func TestDecode_WAV(t *testing.T) {
	samples := []int16{100, -100, 200, -200}
	clip := audio.EncodeWAV(audio.Int16ToBytes(samples), audio.WAVFormat{SampleRate: 22050, Channels: 2, BitDepth: 16})

	pcm, err := Decode(clip)
	require.NoError(t, err)
	assert.Equal(t, samples, pcm.Samples)
	assert.Equal(t, 22050, pcm.SampleRate)
	assert.Equal(t, 2, pcm.Channels)
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := Decode([]byte("OggS\x00\x02"))
	assert.ErrorIs(t, err, ErrUnsupportedPayload)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrUnsupportedPayload)
}

func TestIsMP3(t *testing.T) {
	assert.True(t, isMP3([]byte("ID3\x04\x00")))
	assert.True(t, isMP3([]byte{0xFF, 0xFB, 0x90}))
	assert.False(t, isMP3([]byte("RIFF")))
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name     string
		in       *PCM
		rate     int
		channels int
		want     []int16
	}{
		{
			name: "passthrough",
			in:   &PCM{Samples: []int16{1, 2, 3}, SampleRate: 48000, Channels: 1},
			rate: 48000, channels: 1,
			want: []int16{1, 2, 3},
		},
		{
			name: "stereo downmix",
			in:   &PCM{Samples: []int16{100, 300, -50, 50}, SampleRate: 16000, Channels: 2},
			rate: 16000, channels: 1,
			want: []int16{200, 0},
		},
		{
			name: "upsample by two",
			in:   &PCM{Samples: []int16{0, 100}, SampleRate: 8000, Channels: 1},
			rate: 16000, channels: 1,
			want: []int16{0, 50, 100, 100},
		},
		{
			name: "mono to stereo",
			in:   &PCM{Samples: []int16{7, 8}, SampleRate: 8000, Channels: 1},
			rate: 8000, channels: 2,
			want: []int16{7, 7, 8, 8},
		},
		{
			name: "invalid input",
			in:   &PCM{Samples: []int16{1}, SampleRate: 0, Channels: 1},
			rate: 8000, channels: 1,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Convert(tt.in, tt.rate, tt.channels))
		})
	}
}
