package realtime

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/stt"
)

// TurnFilter decides which end-of-turn transcripts start a response. A turn
// is accepted when it ends the turn, is longer than minChars after trimming,
// has not been accepted before (within window, if set) and arrives more than
// cooldown after the previously accepted turn. Rejections leave the filter
// unchanged. Not safe for concurrent use.
type TurnFilter struct {
	minChars int
	cooldown time.Duration
	window   time.Duration

	seen     map[string]time.Time
	last     time.Time
	accepted bool
}

// NewTurnFilter creates a filter. A zero window remembers turns forever.
func NewTurnFilter(minChars int, cooldown, window time.Duration) *TurnFilter {
	return &TurnFilter{
		minChars: minChars,
		cooldown: cooldown,
		window:   window,
		seen:     make(map[string]time.Time),
	}
}

// Classify decides whether ev should start a response. It returns the trimmed
// text and the observability.Turn* outcome; only TurnAccepted starts one.
func (f *TurnFilter) Classify(ev stt.TurnEvent) (string, string) {
	if !ev.EndOfTurn {
		return "", observability.TurnNotFinal
	}

	text := strings.TrimSpace(ev.Text)
	if utf8.RuneCountInString(text) <= f.minChars {
		return "", observability.TurnTooShort
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	key := normalizeTranscript(text)
	if seenAt, ok := f.seen[key]; ok && (f.window <= 0 || at.Sub(seenAt) < f.window) {
		return "", observability.TurnDuplicate
	}
	if f.accepted && at.Sub(f.last) <= f.cooldown {
		return "", observability.TurnCooldown
	}

	f.prune(at)
	f.seen[key] = at
	f.last = at
	f.accepted = true
	return text, observability.TurnAccepted
}

// prune drops seen entries older than the window
func (f *TurnFilter) prune(now time.Time) {
	if f.window <= 0 {
		return
	}
	for k, seenAt := range f.seen {
		if now.Sub(seenAt) >= f.window {
			delete(f.seen, k)
		}
	}
}

// normalizeTranscript lowercases and collapses whitespace
func normalizeTranscript(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
