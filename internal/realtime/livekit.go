package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/audio"
)

const (
	opusRate      = 48000
	frameDuration = 20 * time.Millisecond
	frameSamples  = opusRate / 50
	maxOpusPacket = 4000
	// 120ms at 48kHz, the largest opus frame
	maxDecodeSamples = 5760
)

// LiveKitTransport connects to LiveKit rooms, publishing the local
// microphone as an opus track and decoding remote audio to PCM.
type LiveKitTransport struct {
	mic    audio.Microphone
	logger zerolog.Logger
}

// NewLiveKitTransport uses mic for the published track. mic must capture
// 48kHz mono.
func NewLiveKitTransport(mic audio.Microphone, logger zerolog.Logger) *LiveKitTransport {
	return &LiveKitTransport{
		mic:    mic,
		logger: logger.With().Str("component", "livekit").Logger(),
	}
}

// Connect joins the room and publishes the microphone track.
func (t *LiveKitTransport) Connect(ctx context.Context, url, token string, opts ConnectOptions, handler TransportHandler) (Conn, error) {
	procConfig := audio.DefaultProcessorConfig()
	procConfig.EchoSuppression = opts.EchoCancellation
	procConfig.NoiseSuppression = opts.NoiseSuppression
	procConfig.AutoGainControl = opts.AutoGainControl

	conn := &liveKitConn{
		handler: handler,
		logger:  t.logger,
		proc:    audio.NewProcessor(procConfig),
	}

	callback := &lksdk.RoomCallback{
		OnDisconnected:          conn.onDisconnected,
		OnActiveSpeakersChanged: conn.onActiveSpeakers,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   conn.onTrackSubscribed,
			OnTrackUnsubscribed: conn.onTrackUnsubscribed,
			OnDataPacket:        conn.onDataPacket,
		},
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, callback, lksdk.WithAutoSubscribe(true))
		done <- result{room: room, err: err}
	}()

	var room *lksdk.Room
	select {
	case <-ctx.Done():
		// the join may still complete; drop it when it does
		go func() {
			if r := <-done; r.room != nil {
				r.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to join room: %w", r.err)
		}
		room = r.room
	}

	conn.mu.Lock()
	conn.room = room
	conn.mu.Unlock()

	t.logger.Debug().
		Bool("adaptive_stream", opts.AdaptiveStream).
		Bool("dynacast", opts.Dynacast).
		Str("room", room.Name()).
		Msg("Joined room")

	if err := conn.publishMicrophone(t.mic); err != nil {
		room.Disconnect()
		return nil, err
	}
	return conn, nil
}

type liveKitConn struct {
	handler TransportHandler
	logger  zerolog.Logger
	proc    *audio.Processor

	mu          sync.Mutex
	room        *lksdk.Room
	track       *lksdk.LocalSampleTrack
	publication *lksdk.LocalTrackPublication
	encoder     *opus.Encoder
	stream      audio.Stream
	pending     []int16
	enabled     bool
	closed      bool
}

func (c *liveKitConn) LocalIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return ""
	}
	return c.room.LocalParticipant.Identity()
}

func (c *liveKitConn) publishMicrophone(mic audio.Microphone) error {
	if mic == nil {
		return fmt.Errorf("%w: no microphone", audio.ErrDeviceUnavailable)
	}

	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("failed to create opus encoder: %w", err)
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusRate,
		Channels:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to create microphone track: %w", err)
	}

	c.mu.Lock()
	room := c.room
	c.mu.Unlock()

	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return fmt.Errorf("failed to publish microphone: %w", err)
	}

	c.mu.Lock()
	c.encoder = enc
	c.track = track
	c.publication = pub
	c.mu.Unlock()

	stream, err := mic.Open(c.onCapture)
	if err != nil {
		return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return nil
}

// SetMicrophoneEnabled gates the published track. Muted frames are dropped
// before encoding.
func (c *liveKitConn) SetMicrophoneEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.publication == nil {
		return errors.New("microphone track not published")
	}
	c.publication.SetMuted(!enabled)
	c.enabled = enabled
	if !enabled {
		c.pending = c.pending[:0]
	}
	return nil
}

func (c *liveKitConn) onCapture(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.enabled || c.encoder == nil {
		return
	}

	c.pending = append(c.pending, audio.BytesToInt16(pcm)...)
	buf := make([]byte, maxOpusPacket)
	for len(c.pending) >= frameSamples {
		frame := c.pending[:frameSamples]
		c.proc.Process(frame)

		n, err := c.encoder.Encode(frame, buf)
		if err == nil && n > 0 {
			packet := make([]byte, n)
			copy(packet, buf[:n])
			if err := c.track.WriteSample(media.Sample{Data: packet, Duration: frameDuration}, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Dropped microphone frame")
			}
		}
		c.pending = c.pending[frameSamples:]
	}
	// keep the backing array from growing without bound
	if len(c.pending) == 0 {
		c.pending = nil
	}
}

func (c *liveKitConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stream := c.stream
	room := c.room
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Microphone close failed")
		}
	}
	if room != nil {
		room.Disconnect()
	}
}

func (c *liveKitConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *liveKitConn) onDisconnected() {
	if c.isClosed() {
		return
	}
	c.handler.OnDisconnected()
}

func (c *liveKitConn) onActiveSpeakers(participants []lksdk.Participant) {
	identities := make([]string, 0, len(participants))
	local := c.LocalIdentity()
	farEnd := false
	for _, p := range participants {
		identities = append(identities, p.Identity())
		if p.Identity() != local {
			farEnd = true
		}
	}
	c.proc.SetFarEndActive(farEnd)
	c.handler.OnActiveSpeakers(identities)
}

func (c *liveKitConn) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	dec, err := opus.NewDecoder(opusRate, 1)
	if err != nil {
		c.logger.Warn().Err(err).Str("track", pub.SID()).Msg("Failed to create opus decoder")
		return
	}
	c.handler.OnTrackSubscribed(&remoteTrack{
		id:          pub.SID(),
		participant: rp.Identity(),
		track:       track,
		decoder:     dec,
		pcm:         make([]int16, maxDecodeSamples),
	})
}

func (c *liveKitConn) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	c.handler.OnTrackUnsubscribed(pub.SID())
}

func (c *liveKitConn) onDataPacket(packet lksdk.DataPacket, params lksdk.DataReceiveParams) {
	user, ok := packet.(*lksdk.UserDataPacket)
	if !ok {
		return
	}
	c.handler.OnData(user.Topic, params.SenderIdentity, user.Payload)
}

// remoteTrack decodes one subscribed opus track.
type remoteTrack struct {
	id          string
	participant string
	track       *webrtc.TrackRemote
	decoder     *opus.Decoder
	pcm         []int16
}

func (r *remoteTrack) ID() string          { return r.id }
func (r *remoteTrack) Participant() string { return r.participant }
func (r *remoteTrack) SampleRate() int     { return opusRate }
func (r *remoteTrack) Channels() int       { return 1 }

func (r *remoteTrack) ReadPCM() ([]byte, error) {
	for {
		packet, _, err := r.track.ReadRTP()
		if err != nil {
			return nil, err
		}
		if len(packet.Payload) == 0 {
			continue
		}
		n, err := r.decoder.Decode(packet.Payload, r.pcm)
		if err != nil || n == 0 {
			continue
		}
		return audio.Int16ToBytes(r.pcm[:n]), nil
	}
}
