package models

import (
	"strings"
	"testing"
)

func TestConversationSetIDsDefaultFirst(t *testing.T) {
	seed := Seed{SystemPrompt: "sys", Greeting: "hi"}
	set := ConversationSet{
		"chat_b":              NewConversation("b", seed),
		DefaultConversationID: NewConversation("new", seed),
		"chat_a":              NewConversation("a", seed),
	}
	ids := set.IDs()
	want := []string{DefaultConversationID, "chat_a", "chat_b"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestNewConversationSeed(t *testing.T) {
	c := NewConversation("t", Seed{SystemPrompt: "sys", Greeting: "hi"})
	if len(c.Messages) != 2 || c.Messages[0].Role != RoleSystem || c.Messages[1].Role != RoleAssistant {
		t.Fatalf("unexpected seed: %#v", c.Messages)
	}
	if got := c.Visible(); len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("visible = %#v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	set := ConversationSet{"x": NewConversation("t", Seed{SystemPrompt: "s", Greeting: "g"})}
	cp := set.Clone()
	cp["x"].Append(RoleUser, "hello")
	cp["x"].Title = "changed"
	if len(set["x"].Messages) != 2 || set["x"].Title != "t" {
		t.Fatalf("clone shares state with original")
	}
}

func TestValidUsername(t *testing.T) {
	cases := map[string]bool{
		"alice":      true,
		"Bob_42":     true,
		"":           false,
		"../etc":     false,
		"with space": false,
		"名字":         false,
	}
	for name, want := range cases {
		if got := ValidUsername(name); got != want {
			t.Fatalf("ValidUsername(%q) = %v, want %v", name, got, want)
		}
	}
	if !ValidUsername(strings.Repeat("a", MaxUsernameLen)) {
		t.Fatalf("username of %d characters should be valid", MaxUsernameLen)
	}
	if ValidUsername(strings.Repeat("a", MaxUsernameLen+1)) {
		t.Fatalf("username over %d characters should be rejected", MaxUsernameLen)
	}
}
