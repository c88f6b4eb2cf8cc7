package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/caredesk/internal/audio"
	"github.com/normanking/caredesk/internal/bus"
	"github.com/normanking/caredesk/internal/dispatch"
	"github.com/normanking/caredesk/internal/gateway"
	"github.com/normanking/caredesk/internal/logging"
	"github.com/normanking/caredesk/internal/realtime"
	"github.com/normanking/caredesk/internal/session"
	"github.com/normanking/caredesk/internal/store"
)

// syncBuffer is a bytes.Buffer safe for the bus handler goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeCommander struct {
	mu       sync.Mutex
	calls    []string
	sent     []string
	quick    []int
	name     string
	sendErr  error
	joining  chan struct{} // Connect blocks until closed
	phase    audio.Phase
	st       *store.Store
	exported *gateway.Transcript
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		phase: audio.PhaseIdle,
		st:    store.New("user_1"),
		exported: &gateway.Transcript{
			UserID: "user_1",
			Raw:    json.RawMessage(`{"user_id":"user_1","conversations":[]}`),
		},
	}
}

func (f *fakeCommander) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeCommander) SendText(ctx context.Context, text string) error {
	f.record("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

func (f *fakeCommander) ToggleRecording(ctx context.Context) error {
	f.record("record")
	if f.phase == audio.PhaseIdle {
		f.phase = audio.PhaseRecording
	} else {
		f.phase = audio.PhaseIdle
	}
	return nil
}

func (f *fakeCommander) CapturePhase() audio.Phase { return f.phase }

func (f *fakeCommander) Connect(ctx context.Context) error {
	f.record("connect")
	if f.joining != nil {
		<-f.joining
	}
	return nil
}

func (f *fakeCommander) Disconnect() { f.record("disconnect") }

func (f *fakeCommander) ToggleMute() error {
	f.record("mute")
	return nil
}

func (f *fakeCommander) VoiceState() realtime.State { return realtime.State{Phase: realtime.PhaseIdle} }

func (f *fakeCommander) RefreshStats(ctx context.Context) error {
	f.record("stats")
	f.st.SetStats(store.Stats{ActiveSessions: 3, TotalConversations: 12, EmergencyResponses: 1, UptimeHours: 5.5})
	return nil
}

func (f *fakeCommander) Store() *store.Store { return f.st }

func (f *fakeCommander) Reset(ctx context.Context) error {
	f.record("reset")
	return nil
}

func (f *fakeCommander) Export(ctx context.Context) (*gateway.Transcript, error) {
	f.record("export")
	return f.exported, nil
}

func (f *fakeCommander) QuickActions() []session.QuickAction {
	return []session.QuickAction{
		{Label: "Need help", Message: "I need help"},
		{Label: "Medication", Message: "When should I take my medication?"},
	}
}

func (f *fakeCommander) SubmitQuickAction(ctx context.Context, index int) error {
	f.record("quick")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quick = append(f.quick, index)
	return nil
}

func (f *fakeCommander) SetUserName(name string) {
	f.record("name")
	f.name = name
}

func (f *fakeCommander) TestVoice(ctx context.Context) error {
	f.record("testvoice")
	return nil
}

func TestHandleLine_Commands(t *testing.T) {
	tests := []struct {
		line string
		call string
	}{
		{"hello there", "send"},
		{"/record", "record"},
		{"/call", "connect"},
		{"/hangup", "disconnect"},
		{"/mute", "mute"},
		{"/stats", "stats"},
		{"/reset", "reset"},
		{"/export", "export"},
		{"/quick 2", "quick"},
		{"/name Ada", "name"},
		{"/testvoice", "testvoice"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			fc := newFakeCommander()
			var out bytes.Buffer
			r := newREPL(fc, strings.NewReader(""), &out)

			quit := r.handleLine(context.Background(), tt.line)
			r.wait()
			assert.False(t, quit)
			assert.Equal(t, []string{tt.call}, fc.calls)
		})
	}
}

func TestHandleLine_Arguments(t *testing.T) {
	fc := newFakeCommander()
	var out bytes.Buffer
	r := newREPL(fc, strings.NewReader(""), &out)
	ctx := context.Background()

	r.handleLine(ctx, "  I feel dizzy  ")
	r.handleLine(ctx, "/quick 1")
	r.handleLine(ctx, "/name  Grace Hopper ")
	r.wait()

	assert.Equal(t, []string{"I feel dizzy"}, fc.sent)
	assert.Equal(t, []int{0}, fc.quick, "quick actions are numbered from 1")
	assert.Equal(t, "Grace Hopper", fc.name)
}

func TestHandleLine_Quit(t *testing.T) {
	r := newREPL(newFakeCommander(), strings.NewReader(""), &bytes.Buffer{})
	assert.True(t, r.handleLine(context.Background(), "/quit"))
	assert.True(t, r.handleLine(context.Background(), "/exit"))
}

func TestHandleLine_Usage(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"/name", "usage: /name"},
		{"/quick x", "usage: /quick"},
		{"/bogus", "unknown command /bogus"},
		{"/help", "/record"},
		{"/status", "recording: idle  call: idle  muted: false"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			fc := newFakeCommander()
			var out bytes.Buffer
			r := newREPL(fc, strings.NewReader(""), &out)

			r.handleLine(context.Background(), tt.line)
			assert.Contains(t, out.String(), tt.want)
			assert.Empty(t, fc.calls)
		})
	}
}

func TestHandleLine_ListsQuickActions(t *testing.T) {
	var out bytes.Buffer
	r := newREPL(newFakeCommander(), strings.NewReader(""), &out)

	r.handleLine(context.Background(), "/quick")
	assert.Contains(t, out.String(), "1. Need help")
	assert.Contains(t, out.String(), "2. Medication")
}

func TestHandleLine_ReportsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", dispatch.ErrInputRejected, "nothing to send"},
		{"in flight", dispatch.ErrTurnInFlight, "still waiting"},
		{"other", errors.New("boom"), "error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCommander()
			fc.sendErr = tt.err
			var out bytes.Buffer
			r := newREPL(fc, strings.NewReader(""), &out)

			r.handleLine(context.Background(), "hi")
			r.wait()
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestHandleLine_SkipsNotifiedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no device", fmt.Errorf("failed to open microphone: %w", audio.ErrDeviceUnavailable)},
		{"session unavailable", fmt.Errorf("%w: token rejected", realtime.ErrSessionUnavailable)},
		{"mute failed", fmt.Errorf("%w: track gone", realtime.ErrMuteFailed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCommander()
			fc.sendErr = tt.err
			var out bytes.Buffer
			r := newREPL(fc, strings.NewReader(""), &out)

			r.handleLine(context.Background(), "hi")
			r.wait()
			assert.Empty(t, out.String())
		})
	}
}

func TestHelpText_Aligned(t *testing.T) {
	for _, line := range strings.Split(helpText, "\n")[1:] {
		rest := line[2:]
		gap := strings.Index(rest, "  ")
		require.Positive(t, gap, "%q", line)
		desc := 2 + len(rest) - len(strings.TrimLeft(rest[gap:], " "))
		assert.Equal(t, 18, desc, "%q", line)
	}
}

func TestHandleLine_StatsPrinted(t *testing.T) {
	var out bytes.Buffer
	r := newREPL(newFakeCommander(), strings.NewReader(""), &out)

	r.handleLine(context.Background(), "/stats")
	assert.Contains(t, out.String(), "Active sessions:     3")
	assert.Contains(t, out.String(), "Conversations:       12")
	assert.Contains(t, out.String(), "Uptime (hours):      5.5")
}

func TestHandleLine_ExportToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.json")
	var out bytes.Buffer
	r := newREPL(newFakeCommander(), strings.NewReader(""), &out)

	r.handleLine(context.Background(), "/export "+path)
	assert.Contains(t, out.String(), "Transcript saved to")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "user_1", doc["user_id"])
	assert.Contains(t, string(data), "\n  \"conversations\"")
}

func TestRun_StopsAtEOFAndQuit(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		fc := newFakeCommander()
		r := newREPL(fc, strings.NewReader("hello\n\n"), &bytes.Buffer{})
		require.NoError(t, r.run(context.Background()))
		r.wait()
		assert.Equal(t, []string{"hello"}, fc.sent)
	})

	t.Run("quit", func(t *testing.T) {
		fc := newFakeCommander()
		r := newREPL(fc, strings.NewReader("/quit\nnever sent\n"), &bytes.Buffer{})
		require.NoError(t, r.run(context.Background()))
		assert.Empty(t, fc.sent)
	})
}

func TestRun_HangupWhileCallJoining(t *testing.T) {
	fc := newFakeCommander()
	fc.joining = make(chan struct{})
	var out syncBuffer
	r := newREPL(fc, strings.NewReader("/call\n/hangup\n"), &out)

	require.NoError(t, r.run(context.Background()))

	// the join is still blocked here
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.calls) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"connect", "disconnect"}, fc.calls)

	close(fc.joining)
	r.wait()
	assert.NotContains(t, out.String(), "error:")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := newREPL(newFakeCommander(), pr, &bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestWatch_PrintsRepliesAndNotifications(t *testing.T) {
	eb := bus.NewEventBus()
	var out syncBuffer
	r := newREPL(newFakeCommander(), strings.NewReader(""), &out)
	r.watch(eb)

	eb.Publish(bus.Event{Type: bus.EventTypeMessageAppended, Data: map[string]any{
		"role": "assistant", "text": "Hello! How can I help?", "is_voice": false,
	}})
	eb.Publish(bus.Event{Type: bus.EventTypeMessageAppended, Data: map[string]any{
		"role": "user", "text": "typed", "is_voice": false,
	}})
	eb.Notify(bus.LevelError, "Failed to process message. Please try again.")

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "assistant> Hello! How can I help?") &&
			strings.Contains(s, "[error] Failed to process message. Please try again.")
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, out.String(), "typed")
}

func TestWriteTranscript_FallsBackToFields(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeTranscript(&out, &gateway.Transcript{UserID: "user_9"}))
	assert.Contains(t, out.String(), `"user_id": "user_9"`)
}

func TestHandleLine_Logs(t *testing.T) {
	var out bytes.Buffer
	r := newREPL(newFakeCommander(), strings.NewReader(""), &out)

	r.handleLine(context.Background(), "/logs")
	assert.Contains(t, out.String(), "logging is not available")

	var asked int
	r.logs = func(limit int) []logging.LogEntry {
		asked = limit
		return []logging.LogEntry{
			{Timestamp: "10:00:00.000", Level: "warn", Component: "gateway", Message: "Request failed", Data: "status=502"},
		}
	}
	out.Reset()
	r.handleLine(context.Background(), "/logs 5")
	assert.Equal(t, 5, asked)
	assert.Contains(t, out.String(), "Request failed (status=502)")

	out.Reset()
	r.handleLine(context.Background(), "/logs -1")
	assert.Contains(t, out.String(), "usage: /logs")
}
