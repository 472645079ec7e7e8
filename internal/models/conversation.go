package models

import (
	"sort"
	"unicode/utf8"
)

// DefaultConversationID is the id of the conversation every user starts with.
const DefaultConversationID = "default"

// MaxTitleRunes bounds conversation titles.
const MaxTitleRunes = 64

// Conversation is a titled, ordered message log.
type Conversation struct {
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Seed describes the messages a fresh conversation starts with.
type Seed struct {
	SystemPrompt string
	Greeting     string
}

// NewConversation returns a conversation holding only the seed messages.
func NewConversation(title string, seed Seed) *Conversation {
	return &Conversation{
		Title: title,
		Messages: []Message{
			{Role: RoleSystem, Content: seed.SystemPrompt},
			{Role: RoleAssistant, Content: seed.Greeting},
		},
	}
}

// Append adds a message to the end of the log.
func (c *Conversation) Append(role Role, content string) {
	c.Messages = append(c.Messages, Message{Role: role, Content: content})
}

// Visible returns the messages shown to the user (everything but system prompts).
func (c *Conversation) Visible() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// UserTurns counts user-authored messages.
func (c *Conversation) UserTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Clone deep-copies the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return &Conversation{Title: c.Title, Messages: msgs}
}

// ConversationSet maps conversation ids to conversations for a single user.
// This is the exact shape persisted in the per-user JSON file.
type ConversationSet map[string]*Conversation

// IDs lists conversation ids with the default conversation first and the rest
// in ascending order.
func (s ConversationSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		if id == DefaultConversationID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if _, ok := s[DefaultConversationID]; ok {
		ids = append([]string{DefaultConversationID}, ids...)
	}
	return ids
}

// Clone deep-copies the set.
func (s ConversationSet) Clone() ConversationSet {
	if s == nil {
		return nil
	}
	out := make(ConversationSet, len(s))
	for id, c := range s {
		out[id] = c.Clone()
	}
	return out
}

// ValidTitle reports whether title is a usable conversation title.
func ValidTitle(title string) bool {
	return title != "" && utf8.RuneCountInString(title) <= MaxTitleRunes
}
