// Package audio provides push-to-talk capture, microphone ownership and
// PCM helpers for caredesk.
package audio

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrMicrophoneBusy    = errors.New("microphone is in use")
	ErrTranscriptFailed  = errors.New("transcription failed")
	ErrAudioTooShort     = errors.New("audio too short")
	ErrInvalidFormat     = errors.New("invalid audio format")
)

// Phase is the capture state machine position
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRecording  Phase = "recording"
	PhaseSubmitting Phase = "submitting"
)

// EventKind identifies capture outcomes delivered to the orchestrator
type EventKind string

const (
	EventTranscriptReady   EventKind = "transcript_ready"
	EventTranscriptFailed  EventKind = "transcript_failed"
	EventDeviceUnavailable EventKind = "device_unavailable"
)

// Event is a capture outcome
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Stream is an open capture device. Close releases the hardware.
type Stream interface {
	Close() error
}

// Microphone opens capture streams. onData receives s16le PCM chunks owned
// by the callee.
type Microphone interface {
	Open(onData func(pcm []byte)) (Stream, error)
}

// CaptureConfig holds push-to-talk settings
type CaptureConfig struct {
	SampleRate    int           `json:"sample_rate"`    // Default: 16000 Hz for STT
	Channels      int           `json:"channels"`       // Default: 1 (mono)
	MaxDuration   time.Duration `json:"max_duration"`   // Recording auto-stops after this
	MinDuration   time.Duration `json:"min_duration"`   // Shorter clips are not submitted
	SubmitTimeout time.Duration `json:"submit_timeout"` // Bound on transcription
	EventBuffer   int           `json:"event_buffer"`
}

// DefaultCaptureConfig returns sensible defaults
func DefaultCaptureConfig() *CaptureConfig {
	return &CaptureConfig{
		SampleRate:    16000,
		Channels:      1,
		MaxDuration:   60 * time.Second,
		MinDuration:   100 * time.Millisecond,
		SubmitTimeout: 30 * time.Second,
		EventBuffer:   16,
	}
}
