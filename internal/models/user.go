package models

import (
	"regexp"
	"time"
)

// MaxUsernameLen keeps conv_<username>.json well under filesystem name limits.
const MaxUsernameLen = 64

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidUsername reports whether name may be used as a username. Usernames
// also name the per-user conversation file, so only [A-Za-z0-9_] is allowed,
// up to MaxUsernameLen characters.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}
