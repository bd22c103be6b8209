package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is a single dialogue turn. It is never modified after
// it is appended to a session log.
type ConversationMessage struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// ChatMessages converts a slice of turns to role/content pairs, oldest first.
func ChatMessages(msgs []ConversationMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
