package conversation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xiaorui/internal/models"
)

var testSeed = models.Seed{SystemPrompt: "你是小锐", Greeting: "你好！我是小锐，有什么可以帮助你？"}

func newStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func TestLoadMissingIsEmpty(t *testing.T) {
	s, _ := newStore(t)
	set, err := s.Load(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()

	set := models.ConversationSet{
		models.DefaultConversationID: models.NewConversation("新对话", testSeed),
		"chat_1":                     models.NewConversation("对话 2", testSeed),
	}
	set["chat_1"].Append(models.RoleUser, "你好")
	set["chat_1"].Append(models.RoleAssistant, "你好呀")

	require.NoError(t, s.Save(ctx, "alice", set))
	_, err := os.Stat(filepath.Join(dir, "conv_alice.json"))
	require.NoError(t, err)

	got, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, set, got)

	// no temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveOverwritesWholeMapping(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "bob", models.ConversationSet{
		"a": models.NewConversation("a", testSeed),
		"b": models.NewConversation("b", testSeed),
	}))
	require.NoError(t, s.Save(ctx, "bob", models.ConversationSet{
		"b": models.NewConversation("b2", testSeed),
	}))
	got, err := s.Load(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b2", got["b"].Title)
}

func TestCorruptFileIsQuarantined(t *testing.T) {
	s, dir := newStore(t)
	path := filepath.Join(dir, "conv_carol.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	set, err := s.Load(context.Background(), "carol")
	require.NoError(t, err)
	assert.Empty(t, set)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt file should be moved aside")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "conv_carol.json.corrupt-"))
}

func TestUnknownRoleIsCorrupt(t *testing.T) {
	s, dir := newStore(t)
	path := filepath.Join(dir, "conv_dan.json")
	doc := `{"default":{"title":"t","messages":[{"role":"robot","content":"x"}]}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	set, err := s.Load(context.Background(), "dan")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestDelete(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "erin", models.ConversationSet{"default": models.NewConversation("x", testSeed)}))
	require.NoError(t, s.Delete(ctx, "erin"))
	_, err := os.Stat(filepath.Join(dir, "conv_erin.json"))
	assert.True(t, os.IsNotExist(err))
	// deleting again is fine
	assert.NoError(t, s.Delete(ctx, "erin"))
}

func TestInvalidUsernameRejected(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for _, name := range []string{"", "../etc/passwd", "a/b", "a b"} {
		_, err := s.Load(ctx, name)
		assert.ErrorIs(t, err, ErrInvalidUsername, name)
		assert.ErrorIs(t, s.Save(ctx, name, models.ConversationSet{}), ErrInvalidUsername, name)
		assert.ErrorIs(t, s.Delete(ctx, name), ErrInvalidUsername, name)
	}
}
