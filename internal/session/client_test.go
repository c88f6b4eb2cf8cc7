package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/caredesk/internal/audio"
	"github.com/normanking/caredesk/internal/bus"
	"github.com/normanking/caredesk/internal/config"
	"github.com/normanking/caredesk/internal/dispatch"
	"github.com/normanking/caredesk/internal/gateway"
	"github.com/normanking/caredesk/internal/playback"
	"github.com/normanking/caredesk/internal/realtime"
)

// backend is a scripted assistant API.
type backend struct {
	mu         sync.Mutex
	initFail   bool
	statsFail  bool
	resetFail  bool
	realtime   map[string]bool
	processed  []string
	resets     atomic.Int32
	statsCalls atomic.Int32
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/initialize", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		fail := b.initFail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
	})
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		b.statsCalls.Add(1)
		b.mu.Lock()
		fail := b.statsFail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"active_sessions":     3,
			"total_conversations": 42,
			"emergency_responses": 1,
			"system_uptime_hours": 12.5,
		})
	})
	mux.HandleFunc("/api/process", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ProcessRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.processed = append(b.processed, req.Message)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"message": "Got it", "conversation_id": "conv-1"})
	})
	mux.HandleFunc("/api/reset", func(w http.ResponseWriter, r *http.Request) {
		b.resets.Add(1)
		b.mu.Lock()
		fail := b.resetFail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/api/export/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"user_id":       "user_7",
			"conversations": []any{map[string]any{"role": "user", "message": "hi"}},
			"exported_at":   "2024-01-01T00:00:00Z",
		})
	})
	mux.HandleFunc("/api/livekit/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(b.realtime)
	})
	return mux
}

func (b *backend) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.processed...)
}

func newClient(t *testing.T, b *backend, devices Devices, mutate func(*config.Config)) *Client {
	t.Helper()
	server := httptest.NewServer(b.handler())
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = server.URL
	cfg.Backend.Timeout = 5 * time.Second
	cfg.User.ID = "user_7"
	cfg.User.Name = "Ada"
	if mutate != nil {
		mutate(cfg)
	}

	c, err := New(cfg, devices, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_SeedsStore(t *testing.T) {
	c := newClient(t, &backend{}, Devices{}, nil)

	assert.Equal(t, "user_7", c.Store().UserID())
	assert.Equal(t, "Ada", c.Store().UserName())
	assert.False(t, c.Store().AssistantReady())
}

func TestNew_GeneratesUserID(t *testing.T) {
	c := newClient(t, &backend{}, Devices{}, func(cfg *config.Config) { cfg.User.ID = "" })
	assert.Regexp(t, `^user_\d+$`, c.Store().UserID())
}

func TestInitialize(t *testing.T) {
	c := newClient(t, &backend{}, Devices{}, nil)

	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, c.Store().AssistantReady())
	assert.Equal(t, 42, c.Store().Stats().TotalConversations)
	assert.Equal(t, 12.5, c.Store().Stats().UptimeHours)
}

func TestInitialize_FailureIsNonFatal(t *testing.T) {
	b := &backend{initFail: true}
	c := newClient(t, b, Devices{}, nil)

	var notified atomic.Bool
	c.EventBus().Subscribe(bus.EventTypeNotification, func(e bus.Event) {
		if e.Data["level"] == bus.LevelError {
			notified.Store(true)
		}
	})

	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, gateway.ErrTransport)
	assert.False(t, c.Store().AssistantReady())
	assert.Equal(t, int32(0), b.statsCalls.Load())
	require.Eventually(t, notified.Load, time.Second, 5*time.Millisecond)
}

func TestRefreshStats_KeepsPreviousOnError(t *testing.T) {
	b := &backend{}
	c := newClient(t, b, Devices{}, nil)

	require.NoError(t, c.RefreshStats(context.Background()))
	before := c.Store().Stats()

	b.mu.Lock()
	b.statsFail = true
	b.mu.Unlock()

	assert.Error(t, c.RefreshStats(context.Background()))
	assert.Equal(t, before, c.Store().Stats())
}

func TestSendTextAndQuickActions(t *testing.T) {
	b := &backend{}
	c := newClient(t, b, Devices{}, nil)

	require.NoError(t, c.SendText(context.Background(), "Hello"))
	require.NoError(t, c.SubmitQuickAction(context.Background(), 1))

	assert.Equal(t, []string{"Hello", "I need to track my order status."}, b.messages())
	assert.Equal(t, 4, c.Store().Len())
	assert.Equal(t, "conv-1", c.Store().SessionID())

	err := c.SubmitQuickAction(context.Background(), len(c.QuickActions()))
	assert.ErrorIs(t, err, dispatch.ErrInputRejected)
	assert.Equal(t, 4, c.Store().Len())

	actions := c.QuickActions()
	require.Len(t, actions, 6)
	actions[0].Message = "mutated"
	assert.Equal(t, "Hello! How can you help me today?", c.QuickActions()[0].Message)
}

func TestReset(t *testing.T) {
	tests := []struct {
		name    string
		fail    bool
		wantErr bool
	}{
		{name: "backend ok", fail: false},
		{name: "backend failure still clears locally", fail: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &backend{resetFail: tt.fail}
			c := newClient(t, b, Devices{}, nil)

			require.NoError(t, c.SendText(context.Background(), "Hello"))
			require.Equal(t, 2, c.Store().Len())

			err := c.Reset(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 0, c.Store().Len())
			assert.Empty(t, c.Store().SessionID())
			assert.Equal(t, int32(1), b.resets.Load())
		})
	}
}

func TestExport(t *testing.T) {
	c := newClient(t, &backend{}, Devices{}, nil)

	tr, err := c.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user_7", tr.UserID)
	assert.JSONEq(t, `[{"role":"user","message":"hi"}]`, string(tr.Conversations))
}

func TestRealtimeAvailable(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		status  map[string]bool
		want    bool
	}{
		{name: "enabled and configured", enabled: true, status: map[string]bool{"livekit_enabled": true, "livekit_configured": true}, want: true},
		{name: "not configured", enabled: true, status: map[string]bool{"livekit_enabled": true}, want: false},
		{name: "disabled locally", enabled: false, status: map[string]bool{"livekit_enabled": true, "livekit_configured": true}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, &backend{realtime: tt.status}, Devices{}, func(cfg *config.Config) {
				cfg.Realtime.Enabled = tt.enabled
			})
			got, err := c.RealtimeAvailable(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnect_DisabledInConfig(t *testing.T) {
	c := newClient(t, &backend{}, Devices{}, func(cfg *config.Config) { cfg.Realtime.Enabled = false })

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, realtime.ErrSessionUnavailable)
	assert.Equal(t, realtime.PhaseIdle, c.VoiceState().Phase)
}

func TestToggleRecording_NoMicrophone(t *testing.T) {
	c := newClient(t, &backend{}, Devices{}, nil)

	err := c.ToggleRecording(context.Background())
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.Equal(t, audio.PhaseIdle, c.CapturePhase())
	assert.Equal(t, "", c.Status()["microphone"], "lease released after device failure")
}

type fakeStream struct{}

func (fakeStream) Close() error { return nil }

type fakeMic struct {
	opens atomic.Int32
}

func (m *fakeMic) Open(onData func([]byte)) (audio.Stream, error) {
	m.opens.Add(1)
	return fakeStream{}, nil
}

func TestToggleRecording_StartsAndStops(t *testing.T) {
	mic := &fakeMic{}
	c := newClient(t, &backend{}, Devices{Microphone: mic}, nil)

	require.NoError(t, c.ToggleRecording(context.Background()))
	assert.Equal(t, audio.PhaseRecording, c.CapturePhase())
	assert.Equal(t, string(audio.OwnerCapture), c.Status()["microphone"])

	require.NoError(t, c.ToggleRecording(context.Background()))
	require.Eventually(t, func() bool { return c.CapturePhase() == audio.PhaseIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), mic.opens.Load())
}

type fakePlayer struct {
	plays atomic.Int32
}

func (p *fakePlayer) Play(ctx context.Context, data []byte) error {
	p.plays.Add(1)
	return nil
}

func TestTestVoice(t *testing.T) {
	var got gateway.SynthesizeRequest
	b := &backend{}
	mux := http.NewServeMux()
	mux.Handle("/", b.handler())
	mux.HandleFunc("/api/voice/tts", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("RIFF....WAVE"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = server.URL
	player := &fakePlayer{}
	c, err := New(cfg, Devices{Player: player}, nil, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.TestVoice(context.Background()))
	assert.Equal(t, TestPhrase, got.Text)
	assert.Equal(t, int32(1), player.plays.Load())
}

func TestTestVoice_NoPlayer(t *testing.T) {
	c := newClient(t, &backend{}, Devices{}, nil)
	assert.ErrorIs(t, c.TestVoice(context.Background()), playback.ErrPlaybackFailed)
}

func TestStartAndClose(t *testing.T) {
	b := &backend{}
	c := newClient(t, b, Devices{}, nil)

	c.Start(context.Background())
	assert.True(t, c.Store().AssistantReady())

	status := c.Status()
	assert.Equal(t, "user_7", status["user_id"])
	assert.Equal(t, string(realtime.PhaseIdle), status["voice"])
	assert.Equal(t, false, status["turn_in_flight"])

	c.Close()
	c.Close()
}
