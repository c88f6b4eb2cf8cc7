package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/normanking/caredesk/internal/audio"
	"github.com/normanking/caredesk/internal/bus"
	"github.com/normanking/caredesk/internal/dispatch"
	"github.com/normanking/caredesk/internal/gateway"
	"github.com/normanking/caredesk/internal/logging"
	"github.com/normanking/caredesk/internal/realtime"
	"github.com/normanking/caredesk/internal/session"
	"github.com/normanking/caredesk/internal/store"
)

// commander is the part of session.Client the REPL drives.
type commander interface {
	SendText(ctx context.Context, text string) error
	ToggleRecording(ctx context.Context) error
	CapturePhase() audio.Phase
	Connect(ctx context.Context) error
	Disconnect()
	ToggleMute() error
	VoiceState() realtime.State
	RefreshStats(ctx context.Context) error
	Store() *store.Store
	Reset(ctx context.Context) error
	Export(ctx context.Context) (*gateway.Transcript, error)
	QuickActions() []session.QuickAction
	SubmitQuickAction(ctx context.Context, index int) error
	SetUserName(name string)
	TestVoice(ctx context.Context) error
}

const helpText = `Commands:
  <text>          send a message
  /record         start or stop push-to-talk recording
  /call           start a live voice call
  /hangup         end the live voice call
  /mute           toggle the microphone during a call
  /stats          refresh and print dashboard stats
  /reset          clear the conversation
  /export [file]  save the transcript as JSON (stdout without file)
  /quick [n]      list quick actions or send number n
  /name <name>    set your display name
  /testvoice      play a test phrase
  /status         show recording and call state
  /logs [n]       show the last n log entries (default 20)
  /quit           exit`

type repl struct {
	client commander
	in     io.Reader
	logs   func(limit int) []logging.LogEntry

	mu  sync.Mutex
	out io.Writer

	// commands that wait on the backend or the voice room
	pending sync.WaitGroup
}

func newREPL(client commander, in io.Reader, out io.Writer) *repl {
	return &repl{client: client, in: in, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// watch prints notifications and replies as they arrive. User messages are
// already on screen.
func (r *repl) watch(eb *bus.EventBus) {
	eb.Subscribe(bus.EventTypeNotification, func(e bus.Event) {
		level, _ := e.Data["level"].(string)
		msg, _ := e.Data["message"].(string)
		r.printf("[%s] %s\n", level, msg)
	})
	eb.Subscribe(bus.EventTypeMessageAppended, func(e bus.Event) {
		role, _ := e.Data["role"].(string)
		text, _ := e.Data["text"].(string)
		voice, _ := e.Data["is_voice"].(bool)
		switch store.Role(role) {
		case store.RoleAssistant:
			r.printf("assistant> %s\n", text)
		case store.RoleSystem:
			r.printf("system> %s\n", text)
		case store.RoleUser:
			if voice {
				r.printf("you (voice)> %s\n", text)
			}
		}
	})
}

// run reads commands until /quit, end of input or ctx is cancelled.
func (r *repl) run(ctx context.Context) error {
	// background commands stop with the loop
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.printf("Type a message, or /help for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if r.handleLine(ctx, line) {
				return nil
			}
		}
	}
}

// background runs a slow command off the input loop so /hangup and the
// like stay available while it waits.
func (r *repl) background(fn func() error) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.report(fn())
	}()
}

// wait blocks until background commands have finished.
func (r *repl) wait() {
	r.pending.Wait()
}

// handleLine executes one input line and reports whether to quit.
func (r *repl) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.background(func() error { return r.client.SendText(ctx, line) })
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/record":
		if err := r.client.ToggleRecording(ctx); err != nil {
			r.report(err)
			return false
		}
		if r.client.CapturePhase() == audio.PhaseRecording {
			r.printf("Recording... /record again to send.\n")
		}
	case "/call":
		r.background(func() error { return r.client.Connect(ctx) })
	case "/hangup":
		r.client.Disconnect()
	case "/mute":
		r.report(r.client.ToggleMute())
	case "/stats":
		if err := r.client.RefreshStats(ctx); err != nil {
			r.report(err)
			return false
		}
		r.mu.Lock()
		printStats(r.out, r.client.Store().Stats())
		r.mu.Unlock()
	case "/reset":
		r.report(r.client.Reset(ctx))
	case "/export":
		r.export(ctx, arg)
	case "/quick":
		r.quick(ctx, arg)
	case "/name":
		if arg == "" {
			r.printf("usage: /name <name>\n")
			return false
		}
		r.client.SetUserName(arg)
	case "/testvoice":
		r.report(r.client.TestVoice(ctx))
	case "/status":
		voice := r.client.VoiceState()
		r.printf("recording: %s  call: %s  muted: %t  agent speaking: %t\n",
			r.client.CapturePhase(), voice.Phase, voice.Muted, voice.RemoteSpeaking)
	case "/logs":
		r.showLogs(arg)
	default:
		r.printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func (r *repl) showLogs(arg string) {
	if r.logs == nil {
		r.printf("logging is not available\n")
		return
	}
	n := 20
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			r.printf("usage: /logs [n]\n")
			return
		}
		n = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.logs(n) {
		fmt.Fprintf(r.out, "%s %-5s %-10s %s", e.Timestamp, e.Level, e.Component, e.Message)
		if e.Data != "" {
			fmt.Fprintf(r.out, " (%s)", e.Data)
		}
		fmt.Fprintln(r.out)
	}
}

func (r *repl) quick(ctx context.Context, arg string) {
	actions := r.client.QuickActions()
	if arg == "" {
		r.mu.Lock()
		for i, a := range actions {
			fmt.Fprintf(r.out, "  %d. %s\n", i+1, a.Label)
		}
		r.mu.Unlock()
		return
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		r.printf("usage: /quick [n]\n")
		return
	}
	r.background(func() error { return r.client.SubmitQuickAction(ctx, n-1) })
}

func (r *repl) export(ctx context.Context, path string) {
	tr, err := r.client.Export(ctx)
	if err != nil {
		r.report(err)
		return
	}
	if path == "" {
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := writeTranscript(r.out, tr); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		return
	}

	f, err := os.Create(path)
	if err != nil {
		r.report(fmt.Errorf("failed to create %s: %w", path, err))
		return
	}
	defer f.Close()
	if err := writeTranscript(f, tr); err != nil {
		r.report(err)
		return
	}
	r.printf("Transcript saved to %s\n", path)
}

// report prints errors the session has not already surfaced as a
// notification.
func (r *repl) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, audio.ErrDeviceUnavailable),
		errors.Is(err, realtime.ErrSessionUnavailable),
		errors.Is(err, realtime.ErrMuteFailed):
		// already notified
	case errors.Is(err, dispatch.ErrInputRejected):
		r.printf("nothing to send\n")
	case errors.Is(err, dispatch.ErrTurnInFlight):
		r.printf("still waiting for the last reply\n")
	default:
		r.printf("error: %v\n", err)
	}
}

func printStats(w io.Writer, s store.Stats) {
	fmt.Fprintf(w, "Active sessions:     %d\n", s.ActiveSessions)
	fmt.Fprintf(w, "Conversations:       %d\n", s.TotalConversations)
	fmt.Fprintf(w, "Emergency responses: %d\n", s.EmergencyResponses)
	fmt.Fprintf(w, "Uptime (hours):      %.1f\n", s.UptimeHours)
}

// writeTranscript writes the backend's export document, indented.
func writeTranscript(w io.Writer, tr *gateway.Transcript) error {
	raw := tr.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(tr); err != nil {
			return fmt.Errorf("failed to encode transcript: %w", err)
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format transcript: %w", err)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
