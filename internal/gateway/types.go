package gateway

import "encoding/json"

// InitializeResponse is the backend readiness payload.
type InitializeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ProcessRequest is one user turn.
type ProcessRequest struct {
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
	PatientAge *int   `json:"patient_age,omitempty"`
}

// ProcessResponse is the assistant reply for a turn.
type ProcessResponse struct {
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata"`
	ConversationID string         `json:"conversation_id"`
}

// ResetRequest clears the backend conversation for a user.
type ResetRequest struct {
	UserID string `json:"user_id"`
}

// Transcript is the exported conversation. The backend owns its shape
// beyond these fields, so the full payload is kept in Raw.
type Transcript struct {
	UserID        string          `json:"user_id"`
	Conversations json.RawMessage `json:"conversations,omitempty"`
	ExportedAt    string          `json:"exported_at,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

func (t *Transcript) UnmarshalJSON(data []byte) error {
	type plain Transcript
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Transcript(p)
	t.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// TranscribeResponse is the speech-to-text result.
type TranscribeResponse struct {
	Text string `json:"text"`
}

// SynthesizeRequest asks for speech audio.
type SynthesizeRequest struct {
	Text string `json:"text"`
}

// RealtimeStatus reports whether live voice is available server-side.
type RealtimeStatus struct {
	Enabled    bool `json:"livekit_enabled"`
	Configured bool `json:"livekit_configured"`
}

// Available is true only when the feature is both enabled and configured.
func (s RealtimeStatus) Available() bool {
	return s.Enabled && s.Configured
}

// CreateRoomRequest asks for a realtime room for a user.
type CreateRoomRequest struct {
	UserID string `json:"user_id"`
}

// JoinTokenRequest asks for a token to an existing room.
type JoinTokenRequest struct {
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
}

// RoomCredentials are the realtime connection details. A null token or url
// decodes to the empty string.
type RoomCredentials struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	RoomName string `json:"room_name,omitempty"`
}

// Valid reports whether both token and url are present.
func (c *RoomCredentials) Valid() bool {
	return c != nil && c.Token != "" && c.URL != ""
}
