package stt

import (
	"context"
	"io"
	"time"
)

// TurnEvent is one transcript update from the upstream recognizer
type TurnEvent struct {
	// Text is the transcript so far for the current turn
	Text string

	// IsFinal indicates the text will not be revised
	IsFinal bool

	// EndOfTurn indicates the speaker finished the turn
	EndOfTurn bool

	// Timestamp is when the event was received from upstream
	Timestamp time.Time
}

// EventSink receives callbacks from a streaming transcription session.
// Implementations must not block; callbacks arrive on the provider's goroutine.
type EventSink interface {
	OnBegin(sessionID string)
	OnTurn(event TurnEvent)
	OnTerminated(audioDuration time.Duration)
	OnError(err error)
}

// StreamConfig describes the audio fed to a Stream
type StreamConfig struct {
	SampleRate int
	Encoding   string // pcm_s16le
}

// Stream is one open upstream transcription connection
type Stream interface {
	// Feed forwards one audio frame. It must not be called after Disconnect.
	Feed(frame []byte) error

	// Disconnect closes the connection. With terminate set the provider is asked
	// to flush and end the session before the socket is closed.
	Disconnect(terminate bool) error
}

// Streamer opens streaming transcription sessions
type Streamer interface {
	Connect(ctx context.Context, cfg StreamConfig, sink EventSink) (Stream, error)
}

// FileTranscriber transcribes a complete recording
type FileTranscriber interface {
	TranscribeFile(ctx context.Context, audio io.Reader) (string, error)
}

// DefaultEncoding is the inbound client audio format
const DefaultEncoding = "pcm_s16le"
