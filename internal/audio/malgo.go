package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MalgoMicrophone captures s16le PCM from the default input device.
type MalgoMicrophone struct {
	ctx        *malgo.AllocatedContext
	sampleRate int
	channels   int
	logger     zerolog.Logger
}

// NewMalgoMicrophone initializes the audio backend. The device itself is
// opened per stream.
func NewMalgoMicrophone(sampleRate, channels int, logger zerolog.Logger) (*MalgoMicrophone, error) {
	config := malgo.ContextConfig{}
	config.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, config, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init audio context: %v", ErrDeviceUnavailable, err)
	}

	return &MalgoMicrophone{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger.With().Str("component", "microphone").Logger(),
	}, nil
}

// Open starts the capture device. Each chunk handed to onData is a fresh copy.
func (m *MalgoMicrophone) Open(onData func(pcm []byte)) (Stream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.channels)
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			// malgo reuses the input buffer between callbacks
			chunk := make([]byte, len(pInputSamples))
			copy(chunk, pInputSamples)
			onData(chunk)
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start microphone: %w", err)
	}

	m.logger.Debug().Int("sample_rate", m.sampleRate).Int("channels", m.channels).Msg("Microphone opened")
	return &malgoStream{device: device}, nil
}

// Close releases the audio backend
func (m *MalgoMicrophone) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

type malgoStream struct {
	device *malgo.Device
}

func (s *malgoStream) Close() error {
	if s.device == nil {
		return nil
	}
	err := s.device.Stop()
	s.device.Uninit()
	s.device = nil
	return err
}
