package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
}

// TokenGrant is what the auth endpoints hand back. Refresh responses carry
// only an access token unless the backend rotates refresh tokens.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Session is the persisted token pair. ExpiresAt is an estimate; zero means
// the server never told us.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         *User  `json:"user,omitempty"`
}

func (s Session) Valid() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

// ExpiringSoon reports whether the access token expiry estimate falls within
// skew of now. Sessions without an estimate never expire early.
func (s Session) ExpiringSoon(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt <= 0 {
		return false
	}
	expiresAt := time.Unix(s.ExpiresAt, 0)
	return !expiresAt.After(now.Add(skew))
}

func SessionFromGrant(grant TokenGrant, now time.Time) Session {
	session := Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		User:         grant.User,
	}
	if grant.ExpiresIn > 0 {
		session.ExpiresAt = now.Add(time.Duration(grant.ExpiresIn) * time.Second).Unix()
	}
	return session
}

// WithRefreshedGrant applies a refresh response. The refresh token is kept
// unless the server rotated it.
func (s Session) WithRefreshedGrant(grant TokenGrant, now time.Time) Session {
	s.AccessToken = grant.AccessToken
	if strings.TrimSpace(grant.RefreshToken) != "" {
		s.RefreshToken = grant.RefreshToken
	}
	s.ExpiresAt = 0
	if grant.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(grant.ExpiresIn) * time.Second).Unix()
	}
	return s
}

func DecodeSession(raw string) (Session, error) {
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, fmt.Errorf("decode session tokens: %w", err)
	}
	if !session.Valid() {
		return Session{}, fmt.Errorf("session tokens missing access_token")
	}
	return session, nil
}

func EncodeSession(session Session) (string, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("encode session tokens: %w", err)
	}
	return string(payload), nil
}
