// Package conversation persists each user's conversation set as one JSON file.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"xiaorui/internal/models"
)

// ErrInvalidUsername is returned before any path is derived from a bad name.
var ErrInvalidUsername = errors.New("conversation: invalid username")

// Store loads and saves the full conversation set of a user.
type Store interface {
	Load(ctx context.Context, username string) (models.ConversationSet, error)
	Save(ctx context.Context, username string, set models.ConversationSet) error
	Delete(ctx context.Context, username string) error
}

// FileStore keeps conv_<username>.json files in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("conversation: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger.With("component", "conversation_store")}, nil
}

// Path returns the file backing username.
func (s *FileStore) Path(username string) (string, error) {
	if !models.ValidUsername(username) {
		return "", ErrInvalidUsername
	}
	return filepath.Join(s.dir, "conv_"+username+".json"), nil
}

// Load returns the stored set. A missing file is an empty set. A file that
// does not decode is moved aside to <file>.corrupt-<unix> and also yields an
// empty set.
func (s *FileStore) Load(_ context.Context, username string) (models.ConversationSet, error) {
	path, err := s.Path(username)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.ConversationSet{}, nil
		}
		return nil, fmt.Errorf("read conversations: %w", err)
	}

	set := models.ConversationSet{}
	if err := json.Unmarshal(data, &set); err != nil || !wellFormed(set) {
		aside := path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("quarantine corrupt conversations: %w", rerr)
		}
		s.logger.Warn("conversation file corrupt, starting empty", "user", username, "moved_to", aside, "error", err)
		return models.ConversationSet{}, nil
	}
	if set == nil {
		set = models.ConversationSet{}
	}
	return set, nil
}

// Save atomically replaces the user's file with set.
func (s *FileStore) Save(_ context.Context, username string, set models.ConversationSet) error {
	path, err := s.Path(username)
	if err != nil {
		return err
	}
	if set == nil {
		set = models.ConversationSet{}
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversations: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	return nil
}

// Delete removes the user's file; a missing file is not an error.
func (s *FileStore) Delete(_ context.Context, username string) error {
	path, err := s.Path(username)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete conversations: %w", err)
	}
	return nil
}

func wellFormed(set models.ConversationSet) bool {
	for _, c := range set {
		if c == nil {
			return false
		}
		for _, m := range c.Messages {
			if !m.Role.Valid() {
				return false
			}
		}
	}
	return true
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}
