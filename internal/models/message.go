package models

// Role identifies the author of a message in a conversation log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single append-only entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
