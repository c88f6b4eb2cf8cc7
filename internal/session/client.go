// Package session wires caredesk's components into one client: the
// conversation store, backend gateway, push-to-talk capture, live voice
// session, turn pipeline and stats scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/audio"
	"github.com/normanking/caredesk/internal/bus"
	"github.com/normanking/caredesk/internal/config"
	"github.com/normanking/caredesk/internal/dispatch"
	"github.com/normanking/caredesk/internal/gateway"
	"github.com/normanking/caredesk/internal/metrics"
	"github.com/normanking/caredesk/internal/playback"
	"github.com/normanking/caredesk/internal/realtime"
	"github.com/normanking/caredesk/internal/scheduler"
	"github.com/normanking/caredesk/internal/store"
)

// TestPhrase is spoken by TestVoice
const TestPhrase = "Hello! This is a test of the voice output. If you can hear me, speech is working."

// QuickAction is a preset prompt
type QuickAction struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

var quickActions = []QuickAction{
	{Label: "Say Hello", Message: "Hello! How can you help me today?"},
	{Label: "Track Order", Message: "I need to track my order status."},
	{Label: "Account Help", Message: "I need help with my account."},
	{Label: "Billing Issue", Message: "I have a billing or payment question."},
	{Label: "Return Item", Message: "I need to return or exchange an item."},
	{Label: "General Help", Message: "I have a general question."},
}

// Devices are the hardware-facing parts. Any may be nil; the matching
// features then report the device as unavailable.
type Devices struct {
	// Microphone feeds push-to-talk at the configured sample rate.
	Microphone audio.Microphone
	Player     playback.Player
	Sink       playback.Sink
	Transport  realtime.Transport
}

// Client is one caredesk session
type Client struct {
	config    *config.Config
	store     *store.Store
	gateway   *gateway.Client
	lease     *audio.Lease
	capture   *audio.Capture
	voice     *realtime.Manager
	pipeline  *dispatch.Pipeline
	scheduler *scheduler.Scheduler
	eventBus  *bus.EventBus
	logger    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a client from configuration. Nothing touches the network or
// devices until Start.
func New(cfg *config.Config, devices Devices, eventBus *bus.EventBus, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if eventBus == nil {
		eventBus = bus.NewEventBus()
	}

	st := store.New(cfg.User.ID)
	st.SetUserName(cfg.User.Name)

	gw := gateway.NewClient(&gateway.ClientConfig{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
	}, logger)

	lease := audio.NewLease()

	mic := devices.Microphone
	if mic == nil {
		mic = unavailableMicrophone{}
	}
	captureConfig := audio.DefaultCaptureConfig()
	if cfg.Audio.SampleRate > 0 {
		captureConfig.SampleRate = cfg.Audio.SampleRate
	}
	if cfg.Audio.MaxCapture > 0 {
		captureConfig.MaxDuration = cfg.Audio.MaxCapture
	}
	capture := audio.NewCapture(captureConfig, mic, lease, gw, eventBus, logger)

	transport := devices.Transport
	if transport == nil {
		transport = unavailableTransport{}
	}
	voiceConfig := realtime.DefaultConfig()
	voiceConfig.EventBuffer = cfg.Realtime.EventBuffer
	voiceConfig.Options = realtime.ConnectOptions{
		AdaptiveStream:   cfg.Realtime.AdaptiveStream,
		Dynacast:         cfg.Realtime.Dynacast,
		EchoCancellation: cfg.Realtime.EchoCancellation,
		NoiseSuppression: cfg.Realtime.NoiseSuppression,
		AutoGainControl:  cfg.Realtime.AutoGainControl,
	}
	voice := realtime.NewManager(voiceConfig, gw, transport, devices.Sink, lease, eventBus, logger)

	pipelineConfig := dispatch.DefaultConfig()
	if cfg.User.PatientAge > 0 {
		age := cfg.User.PatientAge
		pipelineConfig.PatientAge = &age
	}
	pipeline := dispatch.New(pipelineConfig, st, gw, gw, devices.Player, eventBus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   cfg,
		store:    st,
		gateway:  gw,
		lease:    lease,
		capture:  capture,
		voice:    voice,
		pipeline: pipeline,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "session").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}

	sched, err := scheduler.NewScheduler(c, cfg.Scheduler.StatsInterval, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	c.scheduler = sched

	return c, nil
}

// Start runs the event loop and stats schedule, then initializes against
// the backend. An unreachable backend is logged, not returned.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pipeline.Run(c.ctx, c.capture.Events(), c.voice.Events())
		}()
		c.scheduler.Start()
		c.Initialize(ctx)
	})
}

// Store exposes the conversation state
func (c *Client) Store() *store.Store {
	return c.store
}

// EventBus exposes the client's bus
func (c *Client) EventBus() *bus.EventBus {
	return c.eventBus
}

// Initialize marks the assistant ready and loads stats. Failure is
// non-fatal; it is logged and notified.
func (c *Client) Initialize(ctx context.Context) error {
	resp, err := c.gateway.Initialize(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to initialize assistant")
		c.notify(bus.LevelError, "Failed to connect to assistant")
		return err
	}

	c.store.SetAssistantReady(true)
	c.publish(bus.EventTypeAssistantReady, map[string]any{"status": resp.Status})
	c.logger.Info().Str("status", resp.Status).Msg("Assistant ready")

	if err := c.RefreshStats(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to fetch stats")
	}
	return nil
}

// RefreshStats replaces the stats snapshot. On error the previous snapshot
// is kept.
func (c *Client) RefreshStats(ctx context.Context) error {
	stats, err := c.gateway.Stats(ctx)
	if err != nil {
		return err
	}
	c.store.SetStats(*stats)
	c.publish(bus.EventTypeStatsUpdated, map[string]any{
		"active_sessions":     stats.ActiveSessions,
		"total_conversations": stats.TotalConversations,
		"emergency_responses": stats.EmergencyResponses,
		"system_uptime_hours": stats.UptimeHours,
	})
	return nil
}

// SendText submits a typed turn
func (c *Client) SendText(ctx context.Context, text string) error {
	return c.pipeline.SubmitUserTurn(ctx, text, false)
}

// InFlight reports whether a turn is awaiting the backend
func (c *Client) InFlight() bool {
	return c.pipeline.InFlight()
}

// QuickActions returns the preset prompts
func (c *Client) QuickActions() []QuickAction {
	out := make([]QuickAction, len(quickActions))
	copy(out, quickActions)
	return out
}

// SubmitQuickAction sends preset index as a text turn
func (c *Client) SubmitQuickAction(ctx context.Context, index int) error {
	if index < 0 || index >= len(quickActions) {
		return fmt.Errorf("%w: no quick action %d", dispatch.ErrInputRejected, index)
	}
	return c.SendText(ctx, quickActions[index].Message)
}

// Reset clears the conversation on the backend and locally. The local
// clear happens even when the backend call fails.
func (c *Client) Reset(ctx context.Context) error {
	err := c.gateway.Reset(ctx, c.store.UserID())

	c.store.Clear()
	// observers redraw before the outcome notification
	c.eventBus.PublishSync(bus.Event{Type: bus.EventTypeConversationClear})

	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to clear conversation on backend")
		c.notify(bus.LevelError, "Failed to clear conversation")
		return err
	}
	c.notify(bus.LevelSuccess, "Conversation cleared successfully")
	return nil
}

// Export returns the backend transcript for the current user
func (c *Client) Export(ctx context.Context) (*gateway.Transcript, error) {
	return c.gateway.Export(ctx, c.store.UserID())
}

// SetUserName changes the display name
func (c *Client) SetUserName(name string) {
	c.store.SetUserName(name)
}

// ToggleRecording starts push-to-talk when idle and stops it when
// recording. While a clip is being transcribed it does nothing.
func (c *Client) ToggleRecording(ctx context.Context) error {
	switch c.capture.Phase() {
	case audio.PhaseIdle:
		return c.capture.Start(ctx)
	case audio.PhaseRecording:
		return c.capture.Stop(ctx)
	default:
		return nil
	}
}

// CapturePhase reports the push-to-talk state
func (c *Client) CapturePhase() audio.Phase {
	return c.capture.Phase()
}

// RealtimeAvailable reports whether live voice is enabled locally and on
// the backend.
func (c *Client) RealtimeAvailable(ctx context.Context) (bool, error) {
	if !c.config.Realtime.Enabled {
		return false, nil
	}
	status, err := c.gateway.RealtimeStatus(ctx)
	if err != nil {
		return false, err
	}
	return status.Available(), nil
}

// Connect starts a live voice session
func (c *Client) Connect(ctx context.Context) error {
	if !c.config.Realtime.Enabled {
		c.notify(bus.LevelError, "Voice service unavailable")
		return fmt.Errorf("%w: disabled in config", realtime.ErrSessionUnavailable)
	}
	return c.voice.Connect(ctx, c.store.UserID())
}

// Disconnect ends the live voice session
func (c *Client) Disconnect() {
	c.voice.Disconnect()
}

// ToggleMute flips the live voice microphone
func (c *Client) ToggleMute() error {
	return c.voice.ToggleMute()
}

// VoiceState reports the live voice session
func (c *Client) VoiceState() realtime.State {
	return c.voice.State()
}

// TestVoice speaks a fixed phrase and reports the outcome
func (c *Client) TestVoice(ctx context.Context) error {
	if err := c.pipeline.SpeakSync(ctx, TestPhrase); err != nil {
		c.notify(bus.LevelError, "Voice test failed")
		return err
	}
	c.notify(bus.LevelSuccess, "Voice test played")
	return nil
}

// Status summarizes the client for the health endpoint
func (c *Client) Status() map[string]any {
	voice := c.voice.State()
	return map[string]any{
		"user_id":         c.store.UserID(),
		"assistant_ready": c.store.AssistantReady(),
		"messages":        c.store.Len(),
		"turn_in_flight":  c.pipeline.InFlight(),
		"capture":         string(c.capture.Phase()),
		"voice":           string(voice.Phase),
		"voice_muted":     voice.Muted,
		"microphone":      string(c.lease.Holder()),
	}
}

// Close releases everything: live voice, capture, speech, scheduler and
// the event loop. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.logger.Info().Msg("Closing session")

		c.cancel()
		c.voice.Close()
		c.capture.Close()
		c.pipeline.StopSpeaking()
		c.scheduler.Stop()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			c.pipeline.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.logger.Warn().Msg("Timed out waiting for background work")
		}
	})
}

func (c *Client) notify(level, message string) {
	metrics.Notifications.WithLabelValues(level).Inc()
	c.eventBus.Notify(level, message)
}

func (c *Client) publish(eventType bus.EventType, data map[string]any) {
	c.eventBus.Publish(bus.Event{Type: eventType, Data: data})
}

var errNoDevice = errors.New("no audio device")

type unavailableMicrophone struct{}

func (unavailableMicrophone) Open(func([]byte)) (audio.Stream, error) {
	return nil, errNoDevice
}

type unavailableTransport struct{}

func (unavailableTransport) Connect(context.Context, string, string, realtime.ConnectOptions, realtime.TransportHandler) (realtime.Conn, error) {
	return nil, errNoDevice
}
