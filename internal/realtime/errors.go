package realtime

import "errors"

var (
	// ErrPrecondition means a required provider credential is missing; the
	// session reports it to the client and never activates.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUpstreamTranscription wraps failures reported by the transcription
	// provider. Sessions report them and keep running.
	ErrUpstreamTranscription = errors.New("upstream transcription error")

	// ErrGeneration wraps completion or synthesis failures for one turn.
	ErrGeneration = errors.New("generation error")

	// ErrTransport means the client connection failed; the session tears down.
	ErrTransport = errors.New("transport error")
)
