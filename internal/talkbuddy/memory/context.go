package memory

import (
	"fmt"
	"strings"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

const (
	// DefaultWindow is the number of trailing history messages put in a prompt.
	DefaultWindow = 4
	// DefaultWordLimit is the reply length the prompt asks for.
	DefaultWordLimit = 100
)

// ContextBuilder renders the prompt for one turn. It does no I/O.
type ContextBuilder struct {
	// Window is how many of the most recent messages are included. Zero
	// includes the full history.
	Window int
	// WordLimit is the word target given to the model. It is an instruction,
	// not a truncation.
	WordLimit int
}

// NewContextBuilder returns a builder. A negative window selects
// DefaultWindow; a non-positive word limit selects DefaultWordLimit.
func NewContextBuilder(window, wordLimit int) ContextBuilder {
	if window < 0 {
		window = DefaultWindow
	}
	if wordLimit <= 0 {
		wordLimit = DefaultWordLimit
	}
	return ContextBuilder{Window: window, WordLimit: wordLimit}
}

// Build renders:
//
//	You are <name>. <persona>
//
//	Recent:
//	U: <user message>
//	<name>: <assistant message>
//	User: <new message>
//
//	Respond as <name> (keep it under <N> words):
//
// The Recent block is left out when there is no history.
func (b ContextBuilder) Build(c *store.Character, history []store.Message, userMessage string) string {
	limit := b.WordLimit
	if limit <= 0 {
		limit = DefaultWordLimit
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. %s\n\n", c.Name, c.PersonaPrompt)

	if recent := b.window(history); len(recent) > 0 {
		sb.WriteString("Recent:\n")
		for _, m := range recent {
			if m.Role == store.RoleUser {
				sb.WriteString("U: ")
			} else {
				sb.WriteString(c.Name + ": ")
			}
			sb.WriteString(m.Content)
			sb.WriteByte('\n')
		}
	}

	fmt.Fprintf(&sb, "User: %s\n\n", userMessage)
	fmt.Fprintf(&sb, "Respond as %s (keep it under %d words):", c.Name, limit)
	return sb.String()
}

func (b ContextBuilder) window(history []store.Message) []store.Message {
	if b.Window <= 0 || len(history) <= b.Window {
		return history
	}
	return history[len(history)-b.Window:]
}
