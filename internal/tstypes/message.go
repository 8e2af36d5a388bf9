// Package tstypes holds the data model shared across every TokenShield
// component: messages, request parameters, and usage accounting. It has no
// dependency on any component package so every component can import it
// without creating cycles.
package tstypes

// Role is the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat-shaped prompt.
//
// Pinned messages and system messages are never evicted by the context
// fitter (internal/tscontext). Priority and Timestamp are carried along
// unchanged; neither the fitter nor the prefix optimizer reads them.
type Message struct {
	Role      Role
	Content   string
	Pinned    bool
	Priority  int
	Timestamp int64 // unix seconds; 0 means "unset"
	Name      string
}

// Params is the request TokenShield transforms: a model id plus the
// message list that forms the prompt. It is the unit that flows through
// transformParams.
type Params struct {
	Model    string
	Messages []Message

	// MaxOutputTokens, when set, is used as the estimated completion
	// length for admission and budget checks. Zero means "use the
	// caller's default estimate."
	MaxOutputTokens int

	// UserID identifies the caller for per-user budget accounting. The
	// caller sets it; an empty UserID skips the per-user budget stage.
	UserID string
}

// Usage is the actual token accounting for a completed (or partially
// streamed) call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// LastUserMessage returns the content of the most recent user-role
// message, used as the basis of both exact and fuzzy prompt fingerprints.
func LastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
