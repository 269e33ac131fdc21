package llm

import (
	"strings"
	"unicode/utf8"
)

// Role identifies the speaker of a history entry
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is an ordered conversation bounded by a total character budget.
// The oldest entries are evicted first once the budget is exceeded. It is not
// safe for concurrent use; callers own one History per conversation.
type History struct {
	budget   int
	messages []Message
	size     int
}

// NewHistory creates an empty history holding at most budget characters
func NewHistory(budget int) *History {
	return &History{budget: budget}
}

// Append adds an entry and evicts from the front until the budget holds.
// An entry longer than the whole budget keeps only its trailing characters.
func (h *History) Append(role Role, content string) {
	n := utf8.RuneCountInString(content)
	if h.budget > 0 && n > h.budget {
		runes := []rune(content)
		content = string(runes[len(runes)-h.budget:])
		n = h.budget
	}

	h.messages = append(h.messages, Message{Role: role, Content: content})
	h.size += n

	for h.budget > 0 && h.size > h.budget && len(h.messages) > 1 {
		h.size -= utf8.RuneCountInString(h.messages[0].Content)
		h.messages = h.messages[1:]
	}
}

// Messages returns a copy of the entries, oldest first
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of entries
func (h *History) Len() int {
	return len(h.messages)
}

// Size returns the total character count of all entries
func (h *History) Size() int {
	return h.size
}

// Clone returns an independent copy
func (h *History) Clone() *History {
	return &History{budget: h.budget, messages: h.Messages(), size: h.size}
}

// Render formats the conversation as the prompt sent to the completion model,
// one "User: ..." or "Assistant: ..." line per entry.
func (h *History) Render() string {
	var b strings.Builder
	for i, m := range h.messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch m.Role {
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
