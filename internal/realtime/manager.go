package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/audio"
	"github.com/normanking/caredesk/internal/bus"
	"github.com/normanking/caredesk/internal/metrics"
	"github.com/normanking/caredesk/internal/playback"
)

// Config holds session manager settings
type Config struct {
	Options     ConnectOptions
	EventBuffer int
	// DetachTimeout bounds how long teardown waits for track readers.
	DetachTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Options:       DefaultConnectOptions(),
		EventBuffer:   64,
		DetachTimeout: 2 * time.Second,
	}
}

type attachment struct {
	track  RemoteTrack
	writer io.WriteCloser
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the live voice session lifecycle.
type Manager struct {
	config    *Config
	creds     CredentialSource
	transport Transport
	sink      playback.Sink
	lease     *audio.Lease
	eventBus  *bus.EventBus
	logger    zerolog.Logger

	mu             sync.Mutex
	phase          Phase
	muted          bool
	remoteSpeaking bool
	conn           Conn
	localIdentity  string
	generation     uint64
	pending        bool
	connectCancel  context.CancelFunc
	tracks         map[string]*attachment
	// stopped while connecting; their readers end once the late
	// connection is closed
	draining []*attachment
	// generation of a connect attempt the remote dropped
	droppedGen uint64
	closed     bool

	muteMu sync.Mutex
	events chan Event
}

// NewManager creates an idle session manager
func NewManager(config *Config, creds CredentialSource, transport Transport, sink playback.Sink, lease *audio.Lease, eventBus *bus.EventBus, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if config.DetachTimeout <= 0 {
		config.DetachTimeout = 2 * time.Second
	}
	if lease == nil {
		lease = audio.NewLease()
	}

	return &Manager{
		config:    config,
		creds:     creds,
		transport: transport,
		sink:      sink,
		lease:     lease,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "realtime").Logger(),
		phase:     PhaseIdle,
		tracks:    make(map[string]*attachment),
		events:    make(chan Event, config.EventBuffer),
	}
}

// Events delivers session events in arrival order. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns a consistent read view
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Phase:          m.phase,
		Muted:          m.muted,
		RemoteSpeaking: m.remoteSpeaking,
		AttachedTracks: len(m.tracks),
	}
}

// Phase returns the current phase
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// AttachedTracks returns the number of remote tracks being played
func (m *Manager) AttachedTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// Connect opens a session for userID. It is a no-op unless idle. A missing
// token or url is an expected outcome and surfaces as ErrSessionUnavailable.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.closed || m.phase != PhaseIdle || m.pending {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	m.pending = true
	cctx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.setPhaseLocked(PhaseConnecting)
	m.mu.Unlock()

	defer cancel()

	creds, err := m.creds.CreateRoom(cctx, userID)
	if err != nil {
		return m.failConnect(gen, fmt.Errorf("%w: %w", ErrSessionUnavailable, err))
	}
	if !creds.Valid() {
		return m.failConnect(gen, fmt.Errorf("%w: backend returned no room credentials", ErrSessionUnavailable))
	}

	if err := m.lease.TryAcquire(audio.OwnerRealtime); err != nil {
		return m.failConnect(gen, fmt.Errorf("%w: %w", ErrSessionUnavailable, err))
	}

	m.logger.Info().Str("url", creds.URL).Msg("Connecting to voice room")

	conn, err := m.transport.Connect(cctx, creds.URL, creds.Token, m.config.Options, &handler{m: m, gen: gen})
	if err != nil {
		m.lease.Release(audio.OwnerRealtime)
		return m.failConnect(gen, fmt.Errorf("%w: %w", ErrSessionUnavailable, err))
	}

	if err := conn.SetMicrophoneEnabled(true); err != nil {
		conn.Close()
		m.lease.Release(audio.OwnerRealtime)
		return m.failConnect(gen, fmt.Errorf("%w: failed to enable microphone: %w", ErrSessionUnavailable, err))
	}

	m.mu.Lock()
	if m.generation != gen || m.phase != PhaseConnecting {
		// disconnected while the transport was opening; pending keeps a new
		// attempt out until the old connection is gone
		m.mu.Unlock()
		conn.Close()
		m.detachAll()
		m.waitTracks(m.takeDraining())
		m.lease.Release(audio.OwnerRealtime)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.pending = false
		return m.abortedLocked(gen, nil)
	}
	m.conn = conn
	m.localIdentity = conn.LocalIdentity()
	m.muted = false
	m.pending = false
	m.connectCancel = nil
	m.setPhaseLocked(PhaseConnected)
	m.mu.Unlock()

	m.logger.Info().Str("identity", conn.LocalIdentity()).Msg("Voice session connected")
	return nil
}

// failConnect returns to idle after a failed attempt. Aborted attempts stay
// quiet since the user asked for the disconnect.
func (m *Manager) failConnect(gen uint64, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = false
	if m.generation != gen {
		m.draining = nil
		return m.abortedLocked(gen, err)
	}
	m.connectCancel = nil
	m.setPhaseLocked(PhaseIdle)

	m.logger.Warn().Err(err).Msg("Voice session unavailable")
	m.emitLocked(Event{Kind: EventSessionUnavailable, Err: err})
	return err
}

// abortedLocked settles a connect attempt whose generation moved on. A
// user disconnect stays quiet; a remote drop is reported as
// SessionUnavailable.
func (m *Manager) abortedLocked(gen uint64, cause error) error {
	if m.droppedGen != gen {
		m.logger.Info().Msg("Connect aborted by disconnect")
		return nil
	}
	m.droppedGen = 0

	err := fmt.Errorf("%w: connection closed by remote while connecting", ErrSessionUnavailable)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	m.logger.Warn().Err(err).Msg("Voice session unavailable")
	m.emitLocked(Event{Kind: EventSessionUnavailable, Err: err})
	return err
}

// Disconnect tears the session down from connecting or connected. It is a
// no-op otherwise and safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.phase != PhaseConnecting && m.phase != PhaseConnected {
		m.mu.Unlock()
		return
	}

	m.generation++
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.setPhaseLocked(PhaseDisconnecting)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.lease.Release(audio.OwnerRealtime)
		m.detachAll()
	} else {
		// Connect still owns the lease and closes its late connection
		m.park(m.releaseTracks())
	}

	m.mu.Lock()
	m.resetLocked()
	m.setPhaseLocked(PhaseIdle)
	m.mu.Unlock()

	m.logger.Info().Msg("Voice session disconnected")
}

// remoteDisconnected handles an unsolicited drop while connected.
func (m *Manager) remoteDisconnected(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || (m.phase != PhaseConnected && m.phase != PhaseConnecting) {
		m.mu.Unlock()
		return
	}
	if m.phase == PhaseConnecting {
		// Connect notices the generation change and cleans up after itself
		m.droppedGen = gen
		m.generation++
		if m.connectCancel != nil {
			m.connectCancel()
			m.connectCancel = nil
		}
		m.setPhaseLocked(PhaseIdle)
		m.mu.Unlock()
		m.logger.Warn().Msg("Voice session dropped by remote while connecting")
		m.park(m.releaseTracks())
		return
	}

	m.generation++
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.logger.Warn().Msg("Voice session dropped by remote")

	if conn != nil {
		conn.Close()
	}
	m.lease.Release(audio.OwnerRealtime)
	m.detachAll()

	m.mu.Lock()
	m.resetLocked()
	m.setPhaseLocked(PhaseIdle)
	m.mu.Unlock()
}

func (m *Manager) resetLocked() {
	m.localIdentity = ""
	if m.remoteSpeaking {
		m.remoteSpeaking = false
		m.emitLocked(Event{Kind: EventSpeakingChanged, Speaking: false})
	}
	m.muted = false
}

// ToggleMute flips the local microphone. It is a no-op unless connected. The
// muted flag only changes when the device call succeeds.
func (m *Manager) ToggleMute() error {
	m.muteMu.Lock()
	defer m.muteMu.Unlock()

	m.mu.Lock()
	if m.phase != PhaseConnected || m.conn == nil {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	gen := m.generation
	target := !m.muted
	m.mu.Unlock()

	if err := conn.SetMicrophoneEnabled(!target); err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrMuteFailed, err)
		m.logger.Warn().Err(err).Bool("mute", target).Msg("Mute toggle failed")

		m.mu.Lock()
		m.emitLocked(Event{Kind: EventMuteFailed, Err: wrapped})
		m.mu.Unlock()
		return wrapped
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return nil
	}
	m.muted = target
	m.emitLocked(Event{Kind: EventMuteChanged, Muted: target})
	m.publish(bus.EventTypeVoiceMuteChanged, map[string]any{"muted": target})

	m.logger.Info().Bool("muted", target).Msg("Microphone toggled")
	return nil
}

// Close disconnects and closes the event channel.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

func (m *Manager) setPhaseLocked(phase Phase) {
	old := m.phase
	if old == phase {
		return
	}
	m.phase = phase
	metrics.RealtimeState.Set(phase.gauge())

	m.logger.Debug().Str("from", string(old)).Str("to", string(phase)).Msg("Voice phase changed")

	m.emitLocked(Event{Kind: EventStateChanged, Phase: phase})
	m.publish(bus.EventTypeVoiceStateChanged, map[string]any{
		"old_state": string(old),
		"new_state": string(phase),
	})
}

// emitLocked queues an event without blocking. m.mu must be held.
func (m *Manager) emitLocked(event Event) {
	if m.closed {
		return
	}
	select {
	case m.events <- event:
	default:
		m.logger.Warn().Str("kind", string(event.Kind)).Msg("Voice event dropped, queue full")
	}
}

func (m *Manager) publish(eventType bus.EventType, data map[string]any) {
	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{Type: eventType, Data: data})
	}
}

func (m *Manager) live(gen uint64) bool {
	return m.generation == gen && (m.phase == PhaseConnecting || m.phase == PhaseConnected)
}

// attach starts playing a remote track.
func (m *Manager) attach(gen uint64, track RemoteTrack) {
	m.mu.Lock()
	if !m.live(gen) {
		m.mu.Unlock()
		return
	}
	if track.Participant() != "" && track.Participant() == m.localIdentity {
		m.mu.Unlock()
		return
	}
	if _, exists := m.tracks[track.ID()]; exists {
		m.mu.Unlock()
		return
	}
	if m.sink == nil {
		m.mu.Unlock()
		return
	}

	writer, err := m.sink.Open(track.SampleRate(), track.Channels())
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("track", track.ID()).Msg("Failed to attach remote audio")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &attachment{track: track, writer: writer, cancel: cancel, done: make(chan struct{})}
	m.tracks[track.ID()] = a
	m.mu.Unlock()

	m.logger.Info().Str("track", track.ID()).Str("participant", track.Participant()).Msg("Remote audio attached")

	go func() {
		defer close(a.done)
		for {
			pcm, err := track.ReadPCM()
			if err != nil || ctx.Err() != nil {
				return
			}
			if _, err := writer.Write(pcm); err != nil {
				return
			}
		}
	}()
}

// detach stops and releases one remote track.
func (m *Manager) detach(gen uint64, trackID string) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	a, ok := m.tracks[trackID]
	delete(m.tracks, trackID)
	m.mu.Unlock()

	if ok {
		a.cancel()
		a.writer.Close()
		m.logger.Info().Str("track", trackID).Msg("Remote audio detached")
	}
}

// detachAll releases every attachment and waits briefly for their readers.
func (m *Manager) detachAll() {
	m.waitTracks(m.releaseTracks())
}

// releaseTracks stops playback of every attachment and forgets them.
func (m *Manager) releaseTracks() []*attachment {
	m.mu.Lock()
	tracks := m.tracks
	m.tracks = make(map[string]*attachment)
	m.mu.Unlock()

	out := make([]*attachment, 0, len(tracks))
	for _, a := range tracks {
		a.cancel()
		a.writer.Close()
		out = append(out, a)
	}
	return out
}

// waitTracks waits up to DetachTimeout for the readers to finish. A reader
// only returns once its connection is closed.
func (m *Manager) waitTracks(tracks []*attachment) {
	if len(tracks) == 0 {
		return
	}
	deadline := time.NewTimer(m.config.DetachTimeout)
	defer deadline.Stop()
	for _, a := range tracks {
		select {
		case <-a.done:
		case <-deadline.C:
			m.logger.Warn().Str("track", a.track.ID()).Msg("Remote track reader still running after teardown")
			return
		}
	}
}

func (m *Manager) park(tracks []*attachment) {
	if len(tracks) == 0 {
		return
	}
	m.mu.Lock()
	m.draining = append(m.draining, tracks...)
	m.mu.Unlock()
}

func (m *Manager) takeDraining() []*attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracks := m.draining
	m.draining = nil
	return tracks
}

func (m *Manager) activeSpeakers(gen uint64, identities []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.phase != PhaseConnected {
		return
	}

	speaking := false
	for _, id := range identities {
		if id != m.localIdentity {
			speaking = true
			break
		}
	}
	if speaking == m.remoteSpeaking {
		return
	}
	m.remoteSpeaking = speaking
	m.emitLocked(Event{Kind: EventSpeakingChanged, Speaking: speaking})
	m.publish(bus.EventTypeVoiceSpeakingChanged, map[string]any{"speaking": speaking})
}

func (m *Manager) data(gen uint64, topic, participant string, payload []byte) {
	if topic != TranscriptTopic {
		return
	}
	var t Transcript
	if err := json.Unmarshal(payload, &t); err != nil {
		m.logger.Debug().Err(err).Msg("Ignoring malformed transcript packet")
		return
	}
	t.Text = strings.TrimSpace(t.Text)
	if t.Text == "" {
		return
	}
	t.Participant = participant

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.phase != PhaseConnected {
		return
	}
	m.emitLocked(Event{Kind: EventTranscript, Transcript: &t})
}

// handler binds transport callbacks to one connection attempt so late
// callbacks from a torn-down connection are ignored.
type handler struct {
	m   *Manager
	gen uint64
}

func (h *handler) OnDisconnected()                      { h.m.remoteDisconnected(h.gen) }
func (h *handler) OnTrackSubscribed(track RemoteTrack)  { h.m.attach(h.gen, track) }
func (h *handler) OnTrackUnsubscribed(trackID string)   { h.m.detach(h.gen, trackID) }
func (h *handler) OnActiveSpeakers(identities []string) { h.m.activeSpeakers(h.gen, identities) }
func (h *handler) OnData(topic, participant string, payload []byte) {
	h.m.data(h.gen, topic, participant, payload)
}
