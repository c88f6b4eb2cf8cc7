package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/audio"
)

// Player plays one complete speech payload
type Player interface {
	Play(ctx context.Context, data []byte) error
}

// Sink opens live PCM outputs for remote voice tracks
type Sink interface {
	Open(sampleRate, channels int) (io.WriteCloser, error)
}

// Speaker is the process-wide oto output. oto allows a single context, so
// everything is converted to its format.
type Speaker struct {
	otoCtx     *oto.Context
	sampleRate int
	channels   int
	logger     zerolog.Logger

	playMu sync.Mutex
}

// NewSpeaker opens the output device at sampleRate, mono.
func NewSpeaker(sampleRate int, logger zerolog.Logger) (*Speaker, error) {
	otoOpts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(otoOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init speaker: %v", ErrPlaybackFailed, err)
	}
	<-ready

	return &Speaker{
		otoCtx:     otoCtx,
		sampleRate: sampleRate,
		channels:   1,
		logger:     logger.With().Str("component", "speaker").Logger(),
	}, nil
}

// Play decodes data and blocks until it has been played or ctx ends.
// Payloads play one at a time.
func (s *Speaker) Play(ctx context.Context, data []byte) error {
	pcm, err := Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlaybackFailed, err)
	}
	samples := Convert(pcm, s.sampleRate, s.channels)
	if len(samples) == 0 {
		return fmt.Errorf("%w: empty audio", ErrPlaybackFailed)
	}

	s.playMu.Lock()
	defer s.playMu.Unlock()

	player := s.otoCtx.NewPlayer(bytes.NewReader(audio.Int16ToBytes(samples)))
	defer player.Close()

	s.logger.Debug().
		Int("source_rate", pcm.SampleRate).
		Int("samples", len(samples)).
		Msg("Playing speech")

	player.Play()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if err := player.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPlaybackFailed, err)
	}
	return nil
}

// Open starts a live output for a remote track. Writes are converted to the
// speaker format and played as they arrive.
func (s *Speaker) Open(sampleRate, channels int) (io.WriteCloser, error) {
	w := &streamWriter{
		sampleRate: sampleRate,
		channels:   channels,
		outRate:    s.sampleRate,
		outCh:      s.channels,
	}
	w.cond = sync.NewCond(&w.mu)
	w.player = s.otoCtx.NewPlayer(w)
	w.player.Play()
	return w, nil
}

// streamWriter is an io.Reader for oto fed by Write calls.
type streamWriter struct {
	sampleRate, channels int
	outRate, outCh       int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	player *oto.Player
}

func (w *streamWriter) Write(p []byte) (int, error) {
	converted := Convert(&PCM{Samples: audio.BytesToInt16(p), SampleRate: w.sampleRate, Channels: w.channels}, w.outRate, w.outCh)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	w.buf = append(w.buf, audio.Int16ToBytes(converted)...)
	w.cond.Signal()
	return len(p), nil
}

// Read implements io.Reader for oto.Player.
func (w *streamWriter) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.buf) == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.closed && len(w.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *streamWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.buf = nil
	w.cond.Broadcast()
	w.mu.Unlock()

	return w.player.Close()
}
