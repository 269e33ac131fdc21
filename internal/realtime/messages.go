package realtime

import "encoding/base64"

// Outbound message types
const (
	TypeStatus        = "status"
	TypeTranscription = "transcription"
	TypeTurnEnd       = "turn_end"
	TypeAudio         = "audio"
	TypeError         = "error"
)

const (
	statusConnected = "Connected to transcription service"
	turnEndText     = "User stopped talking"
)

// Message is one JSON text frame sent to the client
type Message struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Text      string `json:"text,omitempty"`
	IsFinal   *bool  `json:"is_final,omitempty"`
	EndOfTurn *bool  `json:"end_of_turn,omitempty"`
	Data      string `json:"data,omitempty"`

	// sent is closed by the writer once the frame is on the wire
	sent chan struct{}
}

func statusMessage(text string) Message {
	return Message{Type: TypeStatus, Message: text}
}

func transcriptionMessage(text string, isFinal, endOfTurn bool) Message {
	return Message{Type: TypeTranscription, Text: text, IsFinal: &isFinal, EndOfTurn: &endOfTurn}
}

func turnEndMessage() Message {
	return Message{Type: TypeTurnEnd, Message: turnEndText, sent: make(chan struct{})}
}

func audioMessage(chunk []byte) Message {
	return Message{Type: TypeAudio, Data: base64.StdEncoding.EncodeToString(chunk)}
}

func errorMessage(text string) Message {
	return Message{Type: TypeError, Message: text}
}
