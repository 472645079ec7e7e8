package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"xiaorui/internal/redis"
	"xiaorui/internal/storage"
)

const redisTokenPrefix = "auth:token:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Identity is the user a token belongs to.
type Identity struct {
	UserID   int64
	Username string
}

// Service issues, validates, and revokes user authentication tokens.
type Service struct {
	db             *storage.DB
	cache          *redis.Client
	logger         *slog.Logger
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil.
func NewService(db *storage.DB, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:             db,
		cache:          cache,
		logger:         logger,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken mints a new random token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, user Identity) (string, error) {
	if user.UserID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, user.UserID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, user, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (Identity, error) {
	if authToken == "" {
		return Identity{}, ErrTokenRequired
	}
	if id, ok := s.cachedToken(ctx, authToken); ok {
		return id, nil
	}

	var (
		id      Identity
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT t.user_id, u.username, t.expires_at FROM user_tokens t JOIN users u ON u.id = t.user_id WHERE t.token = ?`,
		authToken,
	).Scan(&id.UserID, &id.Username, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("lookup token: %w", err)
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return Identity{}, ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, id, remaining)
	return id, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.uncacheTokens(ctx, authToken)
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	var tokens []string
	if s.cache.Enabled() {
		rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("list user tokens: %w", err)
		}
		for rows.Next() {
			var tok string
			if err := rows.Scan(&tok); err != nil {
				rows.Close()
				return fmt.Errorf("scan user token: %w", err)
			}
			tokens = append(tokens, tok)
		}
		rows.Close()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	s.uncacheTokens(ctx, tokens...)
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token string, id Identity, ttl time.Duration) {
	if !s.cache.Enabled() {
		return
	}
	value := strconv.FormatInt(id.UserID, 10) + ":" + id.Username
	if err := s.cache.Set(ctx, redisTokenPrefix+token, value, ttl); err != nil {
		s.logger.Warn("cache auth token failed", "error", err)
	}
}

func (s *Service) cachedToken(ctx context.Context, token string) (Identity, bool) {
	if !s.cache.Enabled() {
		return Identity{}, false
	}
	raw, err := s.cache.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("read cached auth token failed", "error", err)
		}
		return Identity{}, false
	}
	idPart, name, ok := strings.Cut(raw, ":")
	if !ok {
		return Identity{}, false
	}
	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, false
	}
	return Identity{UserID: userID, Username: name}, true
}

func (s *Service) uncacheTokens(ctx context.Context, tokens ...string) {
	if !s.cache.Enabled() || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, tok := range tokens {
		keys[i] = redisTokenPrefix + tok
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn("drop cached auth tokens failed", "error", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
