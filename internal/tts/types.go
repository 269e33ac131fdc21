package tts

import "context"

// Synthesizer streams synthesized speech for one reply. The returned channel
// yields audio chunks in playback order and is closed when synthesis ends or
// ctx is cancelled.
type Synthesizer interface {
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error)
}

// URLSynthesizer renders text to a hosted audio file
type URLSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (string, error)
}

// VoiceLister returns the provider's voice catalogue
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Voice describes one selectable voice
type Voice struct {
	VoiceID         string   `json:"voiceId"`
	DisplayName     string   `json:"displayName,omitempty"`
	Locale          string   `json:"locale,omitempty"`
	Gender          string   `json:"gender,omitempty"`
	AvailableStyles []string `json:"availableStyles,omitempty"`
}
