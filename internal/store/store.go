// Package store holds the per-process conversation state for caredesk.
package store

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single chat entry. It is never mutated after it is appended.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	IsVoice   bool           `json:"is_voice"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stats is the backend's aggregate snapshot.
type Stats struct {
	ActiveSessions     int     `json:"active_sessions"`
	TotalConversations int     `json:"total_conversations"`
	EmergencyResponses int     `json:"emergency_responses"`
	UptimeHours        float64 `json:"system_uptime_hours"`
}

// Snapshot is a consistent read view of the whole store.
type Snapshot struct {
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	Messages       []Message `json:"messages"`
	SessionID      string    `json:"session_id,omitempty"`
	Emergency      bool      `json:"emergency"`
	Stats          Stats     `json:"stats"`
	AssistantReady bool      `json:"assistant_ready"`
}

// Store is the single conversation container for a client instance.
type Store struct {
	mu             sync.RWMutex
	userID         string
	userName       string
	messages       []Message
	sessionID      string
	emergency      bool
	stats          Stats
	assistantReady bool
	now            func() time.Time
}

// New creates a store. An empty userID generates one of the form user_<millis>.
func New(userID string) *Store {
	if strings.TrimSpace(userID) == "" {
		userID = NewUserID()
	}
	return &Store{
		userID:   userID,
		messages: make([]Message, 0, 32),
		now:      time.Now,
	}
}

// NewUserID returns a fresh client identity.
func NewUserID() string {
	return fmt.Sprintf("user_%d", time.Now().UnixMilli())
}

// AppendMessage stamps and appends msg, returning the stored copy.
func (s *Store) AppendMessage(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Metadata = maps.Clone(msg.Metadata)

	if IsEmergency(msg.Metadata) {
		s.emergency = true
	}

	s.messages = append(s.messages, msg)
	return cloneMessage(msg)
}

// IsEmergency reports whether backend metadata flags an emergency.
func IsEmergency(metadata map[string]any) bool {
	if metadata == nil {
		return false
	}
	if v, ok := metadata["is_emergency"].(bool); ok && v {
		return true
	}
	if v, ok := metadata["urgency_level"].(string); ok && strings.EqualFold(v, "critical") {
		return true
	}
	return false
}

// Clear atomically empties the log and drops the session id and emergency flag.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]Message, 0, 32)
	s.sessionID = ""
	s.emergency = false
}

// SetSessionID records the backend conversation id.
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// SetStats replaces the stats snapshot wholesale.
func (s *Store) SetStats(stats Stats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

// PatchConversationCount sets TotalConversations to the current log length.
func (s *Store) PatchConversationCount() {
	s.mu.Lock()
	s.stats.TotalConversations = len(s.messages)
	s.mu.Unlock()
}

// SetUserName updates the display name.
func (s *Store) SetUserName(name string) {
	s.mu.Lock()
	s.userName = strings.TrimSpace(name)
	s.mu.Unlock()
}

// SetAssistantReady records whether the backend finished initializing.
func (s *Store) SetAssistantReady(ready bool) {
	s.mu.Lock()
	s.assistantReady = ready
	s.mu.Unlock()
}

// UserID returns the immutable client identity.
func (s *Store) UserID() string {
	return s.userID
}

// UserName returns the display name.
func (s *Store) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userName
}

// SessionID returns the backend conversation id, or "".
func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Emergency reports whether any reply since the last clear was an emergency.
func (s *Store) Emergency() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergency
}

// Stats returns the current stats snapshot.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// AssistantReady reports whether the backend finished initializing.
func (s *Store) AssistantReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assistantReady
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a copy of the log.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messagesLocked()
}

// Snapshot returns a consistent view of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		UserID:         s.userID,
		UserName:       s.userName,
		Messages:       s.messagesLocked(),
		SessionID:      s.sessionID,
		Emergency:      s.emergency,
		Stats:          s.stats,
		AssistantReady: s.assistantReady,
	}
}

func (s *Store) messagesLocked() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m Message) Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}
