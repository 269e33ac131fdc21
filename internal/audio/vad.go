package audio

import "time"

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64       // RMS energy threshold for speech detection
	SilenceFrames   int           // Consecutive silent frames that end a speech segment
	FrameDuration   time.Duration // Analysis window, typically 20ms
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25, // 500ms of silence at 20ms frames
		FrameDuration:   20 * time.Millisecond,
	}
}

// SpeechEvent is a transition reported by the detector
type SpeechEvent int

const (
	SpeechStarted SpeechEvent = iota + 1
	SpeechEnded
)

func (e SpeechEvent) String() string {
	switch e {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// VADDetector performs energy based Voice Activity Detection over a PCM16
// mono stream. Client frames may be any size; they are regrouped into fixed
// analysis windows. Not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	frameBytes     int
	pending        []byte
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a detector for audio at sampleRate
func NewVADDetector(config *VADConfig, sampleRate int) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	frameSamples := int(int64(sampleRate) * int64(config.FrameDuration) / int64(time.Second))
	if frameSamples < 1 {
		frameSamples = 1
	}
	return &VADDetector{
		config:     config,
		frameBytes: frameSamples * 2,
	}
}

// Write consumes raw PCM16 bytes and returns the transitions they caused, in order
func (v *VADDetector) Write(pcm []byte) []SpeechEvent {
	v.pending = append(v.pending, pcm...)

	var events []SpeechEvent
	for len(v.pending) >= v.frameBytes {
		level := FrameLevel(v.pending[:v.frameBytes])
		v.pending = v.pending[v.frameBytes:]

		_, started, ended := v.processLevel(level)
		if started {
			events = append(events, SpeechStarted)
		}
		if ended {
			events = append(events, SpeechEnded)
		}
	}
	if len(v.pending) == 0 {
		v.pending = nil
	}
	return events
}

// processLevel advances the detector by one analysis window of the given RMS level.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) processLevel(level float64) (bool, bool, bool) {
	frameHasSpeech := level > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}
