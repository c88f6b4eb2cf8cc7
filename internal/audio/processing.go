package audio

import (
	"math"
	"sync"
)

// ProcessorConfig selects the software voice processing applied to live
// microphone frames.
type ProcessorConfig struct {
	EchoSuppression  bool    `json:"echo_suppression"`  // duck the mic while the far end talks
	NoiseSuppression bool    `json:"noise_suppression"` // gate frames below GateThreshold
	AutoGainControl  bool    `json:"auto_gain_control"` // steer RMS towards TargetRMS
	GateThreshold    float64 `json:"gate_threshold"`    // normalized RMS, default 0.01
	TargetRMS        float64 `json:"target_rms"`        // normalized RMS, default 0.1
	MaxGain          float64 `json:"max_gain"`          // default 8
	DuckGain         float64 `json:"duck_gain"`         // default 0.2
}

// DefaultProcessorConfig enables everything with conservative levels
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		EchoSuppression:  true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		GateThreshold:    0.01,
		TargetRMS:        0.1,
		MaxGain:          8,
		DuckGain:         0.2,
	}
}

// Processor is a small frame-by-frame voice conditioner
type Processor struct {
	config ProcessorConfig

	mu        sync.Mutex
	gain      float64
	farActive bool
}

// NewProcessor creates a processor with unity gain
func NewProcessor(config ProcessorConfig) *Processor {
	if config.GateThreshold <= 0 {
		config.GateThreshold = 0.01
	}
	if config.TargetRMS <= 0 {
		config.TargetRMS = 0.1
	}
	if config.MaxGain < 1 {
		config.MaxGain = 8
	}
	if config.DuckGain <= 0 || config.DuckGain > 1 {
		config.DuckGain = 0.2
	}
	return &Processor{config: config, gain: 1}
}

// SetFarEndActive tells the processor whether remote audio is playing
func (p *Processor) SetFarEndActive(active bool) {
	p.mu.Lock()
	p.farActive = active
	p.mu.Unlock()
}

// Process conditions one frame in place and returns its input RMS.
func (p *Processor) Process(frame []int16) float64 {
	rms := RMS(frame)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.NoiseSuppression && rms < p.config.GateThreshold {
		clear(frame)
		return rms
	}

	scale := 1.0
	if p.config.AutoGainControl && rms > 0 {
		desired := math.Min(p.config.TargetRMS/rms, p.config.MaxGain)
		// slow attack and release keep the gain from pumping
		p.gain += (desired - p.gain) * 0.1
		scale = p.gain
	}
	if p.config.EchoSuppression && p.farActive {
		scale *= p.config.DuckGain
	}

	if scale != 1 {
		for i, s := range frame {
			frame[i] = clampInt16(float64(s) * scale)
		}
	}
	return rms
}

// RMS returns the normalized root mean square of a 16-bit frame
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		normalized := float64(s) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// BytesToInt16 reinterprets s16le bytes as samples
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

// Int16ToBytes encodes samples as s16le
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

func clampInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
