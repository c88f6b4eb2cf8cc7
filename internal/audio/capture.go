package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/bus"
	"github.com/normanking/caredesk/internal/gateway"
	"github.com/normanking/caredesk/internal/metrics"
)

// Transcriber turns a WAV clip into text
type Transcriber interface {
	Transcribe(ctx context.Context, clip []byte) (*gateway.TranscribeResponse, error)
}

// Capture is the push-to-talk state machine: idle, recording, submitting.
type Capture struct {
	config      *CaptureConfig
	mic         Microphone
	lease       *Lease
	transcriber Transcriber
	eventBus    *bus.EventBus
	logger      zerolog.Logger

	mu        sync.Mutex
	phase     Phase
	stream    Stream
	startedAt time.Time
	limit     *time.Timer
	closed    bool

	bufMu sync.Mutex
	buf   []byte

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCapture creates a capture machine in the idle phase
func NewCapture(config *CaptureConfig, mic Microphone, lease *Lease, transcriber Transcriber, eventBus *bus.EventBus, logger zerolog.Logger) *Capture {
	if config == nil {
		config = DefaultCaptureConfig()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 16
	}
	if lease == nil {
		lease = NewLease()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Capture{
		config:      config,
		mic:         mic,
		lease:       lease,
		transcriber: transcriber,
		eventBus:    eventBus,
		logger:      logger.With().Str("component", "capture").Logger(),
		phase:       PhaseIdle,
		events:      make(chan Event, config.EventBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Events delivers transcript outcomes in order. It is closed by Close.
func (c *Capture) Events() <-chan Event {
	return c.events
}

// Phase returns the current phase
func (c *Capture) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// setPhaseLocked records a transition and announces it. c.mu must be held.
func (c *Capture) setPhaseLocked(phase Phase) {
	old := c.phase
	if old == phase {
		return
	}
	c.phase = phase

	c.logger.Debug().Str("from", string(old)).Str("to", string(phase)).Msg("Capture phase changed")

	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeCaptureStateChanged,
			Data: map[string]any{
				"old_state": string(old),
				"new_state": string(phase),
			},
		})
	}
}

// Start begins recording. It is a no-op unless idle. When the microphone
// cannot be acquired the machine stays idle and the error wraps
// ErrDeviceUnavailable.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.phase != PhaseIdle {
		return nil
	}

	if err := c.lease.TryAcquire(OwnerCapture); err != nil {
		return c.deviceUnavailableLocked(err)
	}

	c.bufMu.Lock()
	c.buf = c.buf[:0]
	c.bufMu.Unlock()

	stream, err := c.mic.Open(c.onData)
	if err != nil {
		c.lease.Release(OwnerCapture)
		return c.deviceUnavailableLocked(err)
	}

	c.stream = stream
	c.startedAt = time.Now()
	if c.config.MaxDuration > 0 {
		c.limit = time.AfterFunc(c.config.MaxDuration, func() {
			c.logger.Info().Dur("limit", c.config.MaxDuration).Msg("Capture limit reached, stopping")
			c.Stop(context.Background())
		})
	}
	c.setPhaseLocked(PhaseRecording)

	c.logger.Info().Msg("Recording started")
	return nil
}

func (c *Capture) deviceUnavailableLocked(cause error) error {
	err := fmt.Errorf("%w: %v", ErrDeviceUnavailable, cause)
	c.logger.Warn().Err(cause).Msg("Microphone unavailable")
	metrics.CaptureClips.WithLabelValues("device_unavailable").Inc()
	c.emit(Event{Kind: EventDeviceUnavailable, Err: err})
	return err
}

func (c *Capture) onData(pcm []byte) {
	c.bufMu.Lock()
	c.buf = append(c.buf, pcm...)
	c.bufMu.Unlock()
}

// Stop finalizes the recording and submits it for transcription. It is a
// no-op unless recording. The machine is back in idle once the outcome
// event has been emitted.
func (c *Capture) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseRecording {
		c.mu.Unlock()
		return nil
	}

	pcm, elapsed := c.releaseLocked()
	c.setPhaseLocked(PhaseSubmitting)
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info().Dur("duration", elapsed).Int("bytes", len(pcm)).Msg("Recording stopped")

	go c.submit(pcm)
	return nil
}

// releaseLocked closes the device, gives back the lease and hands over the
// buffered PCM. c.mu must be held.
func (c *Capture) releaseLocked() ([]byte, time.Duration) {
	if c.limit != nil {
		c.limit.Stop()
		c.limit = nil
	}
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close capture stream")
		}
		c.stream = nil
	}
	c.lease.Release(OwnerCapture)

	c.bufMu.Lock()
	pcm := c.buf
	c.buf = nil
	c.bufMu.Unlock()

	return pcm, time.Since(c.startedAt)
}

func (c *Capture) submit(pcm []byte) {
	defer c.wg.Done()

	event := c.transcribe(pcm)
	if event.Kind == EventTranscriptReady {
		metrics.CaptureClips.WithLabelValues("transcribed").Inc()
	} else {
		metrics.CaptureClips.WithLabelValues("failed").Inc()
	}

	c.mu.Lock()
	c.emit(event)
	c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()
}

func (c *Capture) transcribe(pcm []byte) Event {
	bytesPerSecond := c.config.SampleRate * c.config.Channels * 2
	if bytesPerSecond > 0 && c.config.MinDuration > 0 {
		minBytes := int(c.config.MinDuration.Seconds() * float64(bytesPerSecond))
		if len(pcm) < minBytes {
			return Event{Kind: EventTranscriptFailed, Err: fmt.Errorf("%w: %w", ErrTranscriptFailed, ErrAudioTooShort)}
		}
	}

	clip := EncodeWAV(pcm, WAVFormat{SampleRate: c.config.SampleRate, Channels: c.config.Channels, BitDepth: 16})

	ctx := c.ctx
	if c.config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.SubmitTimeout)
		defer cancel()
	}

	resp, err := c.transcriber.Transcribe(ctx, clip)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Transcription failed")
		return Event{Kind: EventTranscriptFailed, Err: fmt.Errorf("%w: %w", ErrTranscriptFailed, err)}
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		c.logger.Info().Msg("Transcription returned no speech")
		return Event{Kind: EventTranscriptFailed, Err: fmt.Errorf("%w: no speech recognized", ErrTranscriptFailed)}
	}

	c.logger.Info().Str("text", text).Msg("Transcript ready")
	return Event{Kind: EventTranscriptReady, Text: text}
}

// emit queues an event without blocking. c.mu must be held.
func (c *Capture) emit(event Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn().Str("kind", string(event.Kind)).Msg("Capture event dropped, queue full")
	}
}

// Cancel discards an in-progress recording without submitting it.
func (c *Capture) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseRecording {
		return
	}
	c.releaseLocked()
	c.setPhaseLocked(PhaseIdle)
	c.logger.Info().Msg("Recording cancelled")
}

// Close cancels any recording, aborts a pending submission and closes the
// event channel.
func (c *Capture) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Cancel()
	c.cancel()
	c.wg.Wait()
	close(c.events)
}
