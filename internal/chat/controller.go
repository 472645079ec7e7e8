// Package chat drives a user's conversations: it appends turns, augments the
// outgoing request with knowledge snippets, calls the completion model and
// persists the result.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"xiaorui/internal/config"
	"xiaorui/internal/conversation"
	"xiaorui/internal/models"
)

var (
	ErrEmptyInput           = errors.New("message content is required")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyTitle           = errors.New("title is required")
	ErrTitleTooLong         = fmt.Errorf("title must be at most %d characters", models.MaxTitleRunes)
	ErrNotOpen              = errors.New("no user is signed in")
)

// Retriever returns up to k knowledge snippets for a query.
type Retriever interface {
	Search(ctx context.Context, query string, k int) []string
}

// Completer produces the assistant reply for a full transcript.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// Titler summarises a conversation into a short title.
type Titler interface {
	GenerateTitle(ctx context.Context, messages []models.Message) (string, error)
}

// Options hold the assistant texts and retrieval settings.
type Options struct {
	Seed         models.Seed
	DefaultTitle string
	TitleFormat  string
	FailureReply string
	TopK         int
	AutoTitle    bool
}

// OptionsFromConfig maps the assistant and knowledge sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Seed: models.Seed{
			SystemPrompt: cfg.Assistant.SystemPrompt,
			Greeting:     cfg.Assistant.Greeting,
		},
		DefaultTitle: cfg.Assistant.DefaultTitle,
		TitleFormat:  cfg.Assistant.TitleFormat,
		FailureReply: cfg.Assistant.FailureReply,
		TopK:         cfg.Knowledge.TopK,
		AutoTitle:    cfg.Assistant.AutoTitle,
	}
}

// State is one user's selected conversation and conversation set.
type State struct {
	Username      string
	Current       string
	Conversations models.ConversationSet
}

// Authenticated reports whether the state belongs to a signed-in user.
func (s *State) Authenticated() bool {
	return s != nil && s.Username != ""
}

// Conversation returns the selected conversation or nil.
func (s *State) Conversation() *models.Conversation {
	if s == nil {
		return nil
	}
	return s.Conversations[s.Current]
}

// Summary is one entry of the conversation list.
type Summary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

// View is what a client renders after every transition.
type View struct {
	Username      string           `json:"username"`
	Current       string           `json:"current"`
	Conversations []Summary        `json:"conversations"`
	Messages      []models.Message `json:"messages"`
}

// Turn is the result of Send. Failed is set when the reply is the fixed
// failure text.
type Turn struct {
	View   View   `json:"view"`
	Reply  string `json:"reply"`
	Failed bool   `json:"failed"`
}

// Controller holds collaborators only; all per-user data lives in State.
type Controller struct {
	store     conversation.Store
	retriever Retriever
	completer Completer
	titler    Titler
	opts      Options
	logger    *slog.Logger
}

// NewController wires a controller. retriever and titler may be nil.
func NewController(store conversation.Store, retriever Retriever, completer Completer, titler Titler, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = "新对话"
	}
	if opts.TitleFormat == "" {
		opts.TitleFormat = "对话 %d"
	}
	return &Controller{
		store:     store,
		retriever: retriever,
		completer: completer,
		titler:    titler,
		opts:      opts,
		logger:    logger.With("component", "chat"),
	}
}

// Open loads username's conversations, seeding and saving a default
// conversation for a new user.
func (c *Controller) Open(ctx context.Context, username string) (*State, error) {
	set, err := c.store.Load(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	if len(set) == 0 {
		set = c.freshSet()
		if err := c.store.Save(ctx, username, set); err != nil {
			return nil, fmt.Errorf("save conversations: %w", err)
		}
	}
	return &State{
		Username:      username,
		Current:       set.IDs()[0],
		Conversations: set,
	}, nil
}

// Send runs one turn on the selected conversation. Completion failures become
// the failure reply; only persistence errors are returned, and then the
// in-memory log has already advanced.
func (c *Controller) Send(ctx context.Context, st *State, text string) (*Turn, error) {
	if !st.Authenticated() {
		return nil, ErrNotOpen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	conv := st.Conversation()
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	wantTitle := c.opts.AutoTitle && c.titler != nil && conv.UserTurns() == 0 && c.isDefaultTitle(conv.Title)
	conv.Append(models.RoleUser, text)

	turn := &Turn{}
	reply, err := c.completer.Complete(ctx, c.outgoing(ctx, conv.Messages, text))
	if err != nil {
		c.logger.Warn("completion failed", "user", st.Username, "conversation", st.Current, "error", err)
		reply = c.opts.FailureReply
		turn.Failed = true
	}
	conv.Append(models.RoleAssistant, reply)

	if wantTitle && !turn.Failed {
		c.autoTitle(ctx, st, conv)
	}

	if err := c.store.Save(ctx, st.Username, st.Conversations); err != nil {
		return nil, fmt.Errorf("save conversations: %w", err)
	}
	turn.Reply = reply
	turn.View = c.View(st)
	return turn, nil
}

// outgoing copies the transcript for the request. When the retriever finds
// snippets the copy of the last user message carries them as a context note.
func (c *Controller) outgoing(ctx context.Context, msgs []models.Message, question string) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	if c.retriever == nil {
		return out
	}
	snippets := c.retriever.Search(ctx, question, c.opts.TopK)
	if len(snippets) == 0 {
		return out
	}
	last := len(out) - 1
	out[last].Content = "[内部信息：" + strings.Join(snippets, "\n") + "]\n\n" + question
	return out
}

func (c *Controller) autoTitle(ctx context.Context, st *State, conv *models.Conversation) {
	title, err := c.titler.GenerateTitle(ctx, conv.Visible())
	if err != nil {
		c.logger.Warn("generate title failed", "user", st.Username, "conversation", st.Current, "error", err)
		return
	}
	title = truncateRunes(strings.TrimSpace(title), models.MaxTitleRunes)
	if title != "" {
		conv.Title = title
	}
}

func (c *Controller) isDefaultTitle(title string) bool {
	if title == c.opts.DefaultTitle {
		return true
	}
	var n int
	if _, err := fmt.Sscanf(title, c.opts.TitleFormat, &n); err != nil {
		return false
	}
	return fmt.Sprintf(c.opts.TitleFormat, n) == title
}

// NewConversation adds a seeded conversation, selects it and returns its id.
func (c *Controller) NewConversation(ctx context.Context, st *State) (string, error) {
	if !st.Authenticated() {
		return "", ErrNotOpen
	}
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate conversation id: %w", err)
	}
	id := "chat_" + uid.String()

	next := st.Conversations.Clone()
	if next == nil {
		next = models.ConversationSet{}
	}
	next[id] = models.NewConversation(fmt.Sprintf(c.opts.TitleFormat, len(next)+1), c.opts.Seed)
	if err := c.commit(ctx, st, next); err != nil {
		return "", err
	}
	st.Current = id
	return id, nil
}

// Select moves the pointer to id.
func (c *Controller) Select(st *State, id string) error {
	if !st.Authenticated() {
		return ErrNotOpen
	}
	if _, ok := st.Conversations[id]; !ok {
		return ErrConversationNotFound
	}
	st.Current = id
	return nil
}

// Rename sets the title of id.
func (c *Controller) Rename(ctx context.Context, st *State, id, title string) error {
	if !st.Authenticated() {
		return ErrNotOpen
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if !models.ValidTitle(title) {
		return ErrTitleTooLong
	}
	if _, ok := st.Conversations[id]; !ok {
		return ErrConversationNotFound
	}
	next := st.Conversations.Clone()
	next[id].Title = title
	return c.commit(ctx, st, next)
}

// Clear replaces every conversation with one fresh default conversation.
func (c *Controller) Clear(ctx context.Context, st *State) error {
	if !st.Authenticated() {
		return ErrNotOpen
	}
	if err := c.commit(ctx, st, c.freshSet()); err != nil {
		return err
	}
	st.Current = models.DefaultConversationID
	return nil
}

// DeleteConversation removes id. Removing the last conversation reseeds the
// default one; removing the selected one selects the first remaining.
func (c *Controller) DeleteConversation(ctx context.Context, st *State, id string) error {
	if !st.Authenticated() {
		return ErrNotOpen
	}
	if _, ok := st.Conversations[id]; !ok {
		return ErrConversationNotFound
	}
	next := st.Conversations.Clone()
	delete(next, id)
	if len(next) == 0 {
		next = c.freshSet()
	}
	if err := c.commit(ctx, st, next); err != nil {
		return err
	}
	if _, ok := next[st.Current]; !ok {
		st.Current = next.IDs()[0]
	}
	return nil
}

// DeleteUser removes the user's stored conversations and signs the state out.
func (c *Controller) DeleteUser(ctx context.Context, st *State) error {
	if !st.Authenticated() {
		return ErrNotOpen
	}
	if err := c.store.Delete(ctx, st.Username); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	c.logger.Info("user conversations deleted", "user", st.Username)
	*st = State{}
	return nil
}

// View renders st.
func (c *Controller) View(st *State) View {
	v := View{Conversations: []Summary{}, Messages: []models.Message{}}
	if !st.Authenticated() {
		return v
	}
	v.Username = st.Username
	v.Current = st.Current
	for _, id := range st.Conversations.IDs() {
		conv := st.Conversations[id]
		v.Conversations = append(v.Conversations, Summary{
			ID:           id,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}
	if conv := st.Conversation(); conv != nil {
		v.Messages = conv.Visible()
	}
	return v
}

func (c *Controller) commit(ctx context.Context, st *State, next models.ConversationSet) error {
	if err := c.store.Save(ctx, st.Username, next); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	st.Conversations = next
	return nil
}

func (c *Controller) freshSet() models.ConversationSet {
	return models.ConversationSet{
		models.DefaultConversationID: models.NewConversation(c.opts.DefaultTitle, c.opts.Seed),
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
