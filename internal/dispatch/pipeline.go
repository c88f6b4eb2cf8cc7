// Package dispatch is the turn orchestrator. It submits user turns to the
// backend, records replies and speaks voice answers, and routes capture and
// live voice events into the conversation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/audio"
	"github.com/normanking/caredesk/internal/bus"
	"github.com/normanking/caredesk/internal/gateway"
	"github.com/normanking/caredesk/internal/metrics"
	"github.com/normanking/caredesk/internal/playback"
	"github.com/normanking/caredesk/internal/realtime"
	"github.com/normanking/caredesk/internal/store"
)

var (
	// ErrInputRejected is the gateway's value so callers can match either.
	ErrInputRejected = gateway.ErrInputRejected
	ErrTurnInFlight  = errors.New("a turn is already in flight")
)

const (
	FallbackReply      = "Sorry, I had trouble understanding that."
	SystemErrorMessage = "System error: Unable to process your request."
)

// Backend processes user turns
type Backend interface {
	ProcessMessage(ctx context.Context, req gateway.ProcessRequest) (*gateway.ProcessResponse, error)
}

// Synthesizer turns reply text into audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config holds pipeline settings
type Config struct {
	// PatientAge is sent with every turn when set.
	PatientAge *int
	// SpeechTimeout bounds synthesis plus playback of one reply.
	SpeechTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SpeechTimeout: 2 * time.Minute,
	}
}

// Pipeline serializes user turns. At most one turn is in flight.
type Pipeline struct {
	config   *Config
	store    *store.Store
	backend  Backend
	synth    Synthesizer
	player   playback.Player
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu       sync.Mutex
	inFlight bool
	// a live voice call reached Connected and has not ended yet
	voiceUp bool

	speakMu     sync.Mutex
	speakCancel context.CancelFunc
	speaking    sync.WaitGroup
}

// New creates a pipeline. synth and player may be nil, which disables
// spoken replies.
func New(config *Config, st *store.Store, backend Backend, synth Synthesizer, player playback.Player, eventBus *bus.EventBus, logger zerolog.Logger) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SpeechTimeout <= 0 {
		config.SpeechTimeout = 2 * time.Minute
	}
	return &Pipeline{
		config:   config,
		store:    st,
		backend:  backend,
		synth:    synth,
		player:   player,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// InFlight reports whether a turn is awaiting the backend.
func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

func (p *Pipeline) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		return false
	}
	p.inFlight = true
	return true
}

func (p *Pipeline) end() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

// SubmitUserTurn sends one user message. Blank input and overlapping turns
// are rejected before anything is appended. Backend failures are recorded
// as a system message and returned.
func (p *Pipeline) SubmitUserTurn(ctx context.Context, text string, isVoice bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrInputRejected
	}
	if !p.begin() {
		metrics.Turns.WithLabelValues("rejected").Inc()
		return ErrTurnInFlight
	}
	defer p.end()

	p.append(store.Message{Role: store.RoleUser, Text: text, IsVoice: isVoice})
	p.publish(bus.EventTypeTurnStarted, map[string]any{"voice": isVoice})

	start := time.Now()
	resp, err := p.backend.ProcessMessage(ctx, gateway.ProcessRequest{
		UserID:     p.store.UserID(),
		Message:    text,
		PatientAge: p.config.PatientAge,
	})
	if err != nil {
		p.fail(err)
		return fmt.Errorf("failed to process turn: %w", err)
	}

	reply := resp.Message
	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}
	msg := p.append(store.Message{Role: store.RoleAssistant, Text: reply, Metadata: resp.Metadata})

	if resp.ConversationID != "" {
		p.store.SetSessionID(resp.ConversationID)
	}
	p.store.PatchConversationCount()

	metrics.Turns.WithLabelValues("completed").Inc()
	p.logger.Info().
		Bool("voice", isVoice).
		Bool("emergency", store.IsEmergency(msg.Metadata)).
		Dur("elapsed", time.Since(start)).
		Msg("Turn completed")

	p.publish(bus.EventTypeTurnCompleted, map[string]any{
		"conversation_id": resp.ConversationID,
		"emergency":       store.IsEmergency(msg.Metadata),
	})

	if isVoice && strings.TrimSpace(resp.Message) != "" {
		p.Speak(resp.Message)
	}
	return nil
}

func (p *Pipeline) fail(err error) {
	statusCode := 0
	reason := err.Error()
	if apiErr, ok := gateway.AsAPIError(err); ok {
		statusCode = apiErr.StatusCode
		if apiErr.Reason != "" {
			reason = apiErr.Reason
		}
	}

	p.append(store.Message{
		Role: store.RoleSystem,
		Text: SystemErrorMessage,
		Metadata: map[string]any{
			"error":       true,
			"status_code": statusCode,
			"reason":      reason,
		},
	})

	metrics.Turns.WithLabelValues("failed").Inc()
	p.logger.Error().Err(err).Int("status_code", statusCode).Msg("Turn failed")

	p.publish(bus.EventTypeTurnFailed, map[string]any{"status_code": statusCode, "reason": reason})
	p.notify(bus.LevelError, "Failed to process message. Please try again.")
}

func (p *Pipeline) append(msg store.Message) store.Message {
	stored := p.store.AppendMessage(msg)
	p.publish(bus.EventTypeMessageAppended, map[string]any{
		"id":       stored.ID,
		"role":     string(stored.Role),
		"text":     stored.Text,
		"is_voice": stored.IsVoice,
	})
	return stored
}

// Speak synthesizes and plays text in the background. A newer reply cuts
// off the one still playing. Failures are logged and notified, never
// returned.
func (p *Pipeline) Speak(text string) {
	if p.synth == nil || p.player == nil {
		return
	}

	p.speakMu.Lock()
	if p.speakCancel != nil {
		p.speakCancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.config.SpeechTimeout)
	p.speakCancel = cancel
	p.speaking.Add(1)
	p.speakMu.Unlock()

	go func() {
		defer p.speaking.Done()
		defer cancel()
		if err := p.speak(ctx, text); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Msg("Voice reply unavailable")
			p.notify(bus.LevelInfo, "Voice response not available")
		}
	}()
}

// SpeakSync is Speak without the goroutine. It returns the failure.
func (p *Pipeline) SpeakSync(ctx context.Context, text string) error {
	if p.synth == nil || p.player == nil {
		return fmt.Errorf("%w: no speech output configured", playback.ErrPlaybackFailed)
	}
	return p.speak(ctx, text)
}

func (p *Pipeline) speak(ctx context.Context, text string) error {
	data, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: %w", playback.ErrPlaybackFailed, err)
	}

	p.publish(bus.EventTypeSpeakingStarted, map[string]any{"bytes": len(data)})
	defer p.publish(bus.EventTypeSpeakingStopped, nil)

	return p.player.Play(ctx, data)
}

// StopSpeaking cuts off the current spoken reply, if any.
func (p *Pipeline) StopSpeaking() {
	p.speakMu.Lock()
	defer p.speakMu.Unlock()
	if p.speakCancel != nil {
		p.speakCancel()
		p.speakCancel = nil
	}
}

// Wait blocks until background speech has finished.
func (p *Pipeline) Wait() {
	p.speaking.Wait()
}

// Run routes capture and live voice events until ctx ends or both
// channels close. Either channel may be nil.
func (p *Pipeline) Run(ctx context.Context, captureEvents <-chan audio.Event, voiceEvents <-chan realtime.Event) {
	for captureEvents != nil || voiceEvents != nil {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-captureEvents:
			if !ok {
				captureEvents = nil
				continue
			}
			p.HandleCaptureEvent(ctx, e)
		case e, ok := <-voiceEvents:
			if !ok {
				voiceEvents = nil
				continue
			}
			p.HandleVoiceEvent(e)
		}
	}
}

// HandleCaptureEvent applies one push-to-talk outcome.
func (p *Pipeline) HandleCaptureEvent(ctx context.Context, e audio.Event) {
	switch e.Kind {
	case audio.EventTranscriptReady:
		p.publish(bus.EventTypeTranscriptReady, map[string]any{"text": e.Text})
		if err := p.SubmitUserTurn(ctx, e.Text, true); err != nil {
			switch {
			case errors.Is(err, ErrTurnInFlight):
				p.notify(bus.LevelInfo, "Still waiting on the previous message")
			case errors.Is(err, ErrInputRejected):
			default:
				p.logger.Debug().Err(err).Msg("Voice turn failed")
			}
		}
	case audio.EventTranscriptFailed:
		p.publish(bus.EventTypeTranscriptFailed, map[string]any{"error": errString(e.Err)})
		p.notify(bus.LevelError, "Failed to transcribe audio")
	case audio.EventDeviceUnavailable:
		p.notify(bus.LevelError, "Microphone access denied")
	}
}

// HandleVoiceEvent applies one live voice session event.
func (p *Pipeline) HandleVoiceEvent(e realtime.Event) {
	switch e.Kind {
	case realtime.EventStateChanged:
		p.mu.Lock()
		wasUp := p.voiceUp
		switch e.Phase {
		case realtime.PhaseConnected:
			p.voiceUp = true
		case realtime.PhaseIdle:
			p.voiceUp = false
		}
		p.mu.Unlock()

		switch {
		case e.Phase == realtime.PhaseConnected && !wasUp:
			p.notify(bus.LevelSuccess, "Connected to voice assistant")
		case e.Phase == realtime.PhaseIdle && wasUp:
			p.notify(bus.LevelInfo, "Disconnected from voice agent")
		}
	case realtime.EventSessionUnavailable:
		p.notify(bus.LevelError, "Voice service unavailable")
	case realtime.EventMuteFailed:
		p.notify(bus.LevelError, "Failed to toggle microphone")
	case realtime.EventMuteChanged:
		if e.Muted {
			p.notify(bus.LevelInfo, "Microphone muted")
		} else {
			p.notify(bus.LevelInfo, "Microphone unmuted")
		}
	case realtime.EventTranscript:
		if e.Transcript == nil || !e.Transcript.Final {
			return
		}
		role := store.RoleAssistant
		if store.Role(e.Transcript.Role) == store.RoleUser {
			role = store.RoleUser
		}
		p.append(store.Message{
			Role:    role,
			Text:    e.Transcript.Text,
			IsVoice: true,
			Metadata: map[string]any{
				"source":      "live_voice",
				"participant": e.Transcript.Participant,
			},
		})
	}
}

func (p *Pipeline) notify(level, message string) {
	metrics.Notifications.WithLabelValues(level).Inc()
	if p.eventBus != nil {
		p.eventBus.Notify(level, message)
	}
}

func (p *Pipeline) publish(eventType bus.EventType, data map[string]any) {
	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{Type: eventType, Data: data})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
