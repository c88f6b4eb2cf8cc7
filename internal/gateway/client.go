// Package gateway is the typed HTTP client for the assistant backend.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/metrics"
	"github.com/normanking/caredesk/internal/store"
)

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://localhost:5000",
		Timeout: 30 * time.Second,
	}
}

// Client talks to the assistant backend. It keeps no session state and
// never retries.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new backend client
func NewClient(config *ClientConfig, logger zerolog.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// BaseURL returns the backend root
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Initialize asks the backend to warm up the assistant.
func (c *Client) Initialize(ctx context.Context) (*InitializeResponse, error) {
	var out InitializeResponse
	if err := c.doJSON(ctx, "initialize", http.MethodGet, "/api/initialize", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProcessMessage sends one user turn and returns the assistant reply.
func (c *Client) ProcessMessage(ctx context.Context, req ProcessRequest) (*ProcessResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInputRejected)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInputRejected)
	}

	var out ProcessResponse
	if err := c.doJSON(ctx, "process", http.MethodPost, "/api/process", req, &out); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("conversation_id", out.ConversationID).
		Str("reply", truncateForLog(out.Message, 80)).
		Msg("Turn processed")

	return &out, nil
}

// Stats fetches the aggregate system snapshot.
func (c *Client) Stats(ctx context.Context) (*store.Stats, error) {
	var out store.Stats
	if err := c.doJSON(ctx, "stats", http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset clears the backend conversation for userID.
func (c *Client) Reset(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInputRejected)
	}
	return c.doJSON(ctx, "reset", http.MethodPost, "/api/reset", ResetRequest{UserID: userID}, nil)
}

// Export fetches the backend transcript for userID.
func (c *Client) Export(ctx context.Context, userID string) (*Transcript, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInputRejected)
	}
	var out Transcript
	path := "/api/export/" + url.PathEscape(userID)
	if err := c.doJSON(ctx, "export", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transcribe uploads a WAV clip and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, clip []byte) (*TranscribeResponse, error) {
	if len(clip) == 0 {
		return nil, fmt.Errorf("%w: empty audio clip", ErrInputRejected)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", "recording.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(clip); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	respBody, err := c.do(ctx, "transcribe", http.MethodPost, "/api/voice/process", body, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var out TranscribeResponse
	if err := c.decode("transcribe", "/api/voice/process", respBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Synthesize returns speech audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInputRejected)
	}
	payload, err := json.Marshal(SynthesizeRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	audio, err := c.do(ctx, "synthesize", http.MethodPost, "/api/voice/tts", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, &APIError{Op: "synthesize", URL: c.config.BaseURL + "/api/voice/tts", StatusCode: http.StatusOK, Reason: "empty audio payload"}
	}
	return audio, nil
}

// RealtimeStatus reports whether live voice is enabled server-side.
func (c *Client) RealtimeStatus(ctx context.Context) (*RealtimeStatus, error) {
	var out RealtimeStatus
	if err := c.doJSON(ctx, "realtime_status", http.MethodGet, "/api/livekit/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRoom provisions a realtime room for userID. Absent credentials are
// returned as-is; callers check Valid.
func (c *Client) CreateRoom(ctx context.Context, userID string) (*RoomCredentials, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInputRejected)
	}
	var out RoomCredentials
	if err := c.doJSON(ctx, "create_room", http.MethodPost, "/api/livekit/room/create", CreateRoomRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinToken requests a token for an existing room.
func (c *Client) JoinToken(ctx context.Context, roomName, identity string) (*RoomCredentials, error) {
	if strings.TrimSpace(roomName) == "" || strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("%w: room name and identity are required", ErrInputRejected)
	}
	var out RoomCredentials
	req := JoinTokenRequest{RoomName: roomName, ParticipantIdentity: identity}
	if err := c.doJSON(ctx, "join_token", http.MethodPost, "/api/livekit/token", req, &out); err != nil {
		return nil, err
	}
	if out.RoomName == "" {
		out.RoomName = roomName
	}
	return &out, nil
}

// doJSON sends an optional JSON body and decodes a JSON response into out.
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	respBody, err := c.do(ctx, op, method, path, body, contentType)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return c.decode(op, path, respBody, out)
}

func (c *Client) decode(op, path string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{
			Op:         op,
			URL:        c.config.BaseURL + path,
			StatusCode: http.StatusOK,
			Reason:     "invalid response body",
			Err:        err,
		}
	}
	return nil
}

// do performs the request and returns the body of a 2xx response. Every
// failure comes back as *APIError.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) ([]byte, error) {
	fullURL := c.config.BaseURL + path
	start := time.Now()
	status := 0
	defer func() {
		metrics.GatewayRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
		metrics.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, &APIError{Op: op, URL: fullURL, Reason: "failed to create request", Err: err}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("op", op).Str("method", method).Str("path", path).Msg("Sending request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		apiErr := noResponseError(op, fullURL, err)
		c.logger.Warn().Err(err).Str("op", op).Msg("Backend unreachable")
		return nil, apiErr
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Op: op, URL: fullURL, StatusCode: resp.StatusCode, Reason: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := statusError(op, fullURL, resp.StatusCode, respBody)
		c.logger.Warn().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("reason", apiErr.Reason).
			Msg("Backend returned error")
		return nil, apiErr
	}

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Request complete")

	return respBody, nil
}
