package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"yuim/im-chat/pkg/chat"
)

var ErrUnauthorized = errors.New("unauthorized")

// Resolver turns a bearer token into the authenticated user id.
type Resolver interface {
	Resolve(ctx context.Context, token string) (chat.UserID, error)
}

type TokenPayload struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// IssueToken builds a token for uid. Used by tooling and tests; production
// tokens come from the account service.
func IssueToken(uid chat.UserID, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("auth: token secret is required")
	}
	ts, err := randomAlphaNum(14)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(TokenPayload{UserID: uid, Timestamp: ts})
	if err != nil {
		return "", err
	}
	return Encrypt(string(b), secret)
}

func ParseToken(token, secret string) (*TokenPayload, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	plain, err := Decrypt(token, secret)
	if err != nil {
		return nil, err
	}
	var p TokenPayload
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return nil, err
	}
	if p.UserID == "" || p.Timestamp == "" {
		return nil, errors.New("invalid token payload")
	}
	return &p, nil
}

// TokenResolver trusts any token that decrypts with Secret.
type TokenResolver struct {
	Secret string
}

func (r TokenResolver) Resolve(ctx context.Context, token string) (chat.UserID, error) {
	p, err := ParseToken(token, r.Secret)
	if err != nil {
		return "", ErrUnauthorized
	}
	return p.UserID, nil
}

// SessionResolver looks the token up in the Redis session hash and reads
// its userId field.
type SessionResolver struct {
	Sessions *SessionStore
}

func (r SessionResolver) Resolve(ctx context.Context, token string) (chat.UserID, error) {
	info, ok, err := r.Sessions.Get(ctx, token)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(info["userId"]) == "" {
		return "", ErrUnauthorized
	}
	return strings.TrimSpace(info["userId"]), nil
}

func randomAlphaNum(n int) (string, error) {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = letters[int(buf[i])%len(letters)]
	}
	return string(buf), nil
}
