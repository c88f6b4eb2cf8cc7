// Package realtime manages the optional live voice session with the
// assistant over a LiveKit room.
package realtime

import (
	"context"
	"errors"

	"github.com/normanking/caredesk/internal/gateway"
)

var (
	ErrSessionUnavailable = errors.New("voice session unavailable")
	ErrMuteFailed         = errors.New("failed to toggle microphone")
)

// Phase is the session state machine position
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseDisconnecting Phase = "disconnecting"
)

func (p Phase) gauge() float64 {
	switch p {
	case PhaseConnecting:
		return 1
	case PhaseConnected:
		return 2
	case PhaseDisconnecting:
		return 3
	default:
		return 0
	}
}

// State is a read view of the session
type State struct {
	Phase          Phase `json:"phase"`
	Muted          bool  `json:"muted"`
	RemoteSpeaking bool  `json:"remote_speaking"`
	AttachedTracks int   `json:"attached_tracks"`
}

// EventKind identifies session events delivered to the orchestrator
type EventKind string

const (
	EventStateChanged       EventKind = "state_changed"
	EventSpeakingChanged    EventKind = "speaking_changed"
	EventMuteChanged        EventKind = "mute_changed"
	EventSessionUnavailable EventKind = "session_unavailable"
	EventMuteFailed         EventKind = "mute_failed"
	EventTranscript         EventKind = "transcript"
)

// Event is one session notification
type Event struct {
	Kind       EventKind
	Phase      Phase
	Speaking   bool
	Muted      bool
	Err        error
	Transcript *Transcript
}

// Transcript is a caption the assistant's room publishes as a data packet.
type Transcript struct {
	Role        string `json:"role"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
	Participant string `json:"-"`
}

// TranscriptTopic is the data packet topic carrying Transcript payloads
const TranscriptTopic = "transcript"

// ConnectOptions mirror the room and capture settings of the web client.
type ConnectOptions struct {
	AdaptiveStream   bool
	Dynacast         bool
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConnectOptions turns everything on
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		AdaptiveStream:   true,
		Dynacast:         true,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// RemoteTrack is a subscribed remote audio track producing decoded PCM.
type RemoteTrack interface {
	ID() string
	Participant() string
	SampleRate() int
	Channels() int
	// ReadPCM blocks for the next s16le frame. It fails once the track or
	// connection is gone.
	ReadPCM() ([]byte, error)
}

// TransportHandler receives media transport callbacks. Calls may arrive on
// any goroutine.
type TransportHandler interface {
	OnDisconnected()
	OnTrackSubscribed(track RemoteTrack)
	OnTrackUnsubscribed(trackID string)
	OnActiveSpeakers(identities []string)
	OnData(topic, participant string, payload []byte)
}

// Conn is an open media connection
type Conn interface {
	LocalIdentity() string
	SetMicrophoneEnabled(enabled bool) error
	Close()
}

// Transport opens media connections
type Transport interface {
	Connect(ctx context.Context, url, token string, opts ConnectOptions, handler TransportHandler) (Conn, error)
}

// CredentialSource provisions room credentials
type CredentialSource interface {
	CreateRoom(ctx context.Context, userID string) (*gateway.RoomCredentials, error)
}
