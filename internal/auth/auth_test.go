package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef"

func TestEncryptRoundTrip(t *testing.T) {
	enc, err := Encrypt(`{"userId":"alice"}`, secret)
	require.NoError(t, err)
	dec, err := Decrypt(enc, secret)
	require.NoError(t, err)
	assert.Equal(t, `{"userId":"alice"}`, dec)

	wrong, _ := Decrypt(enc, "fedcba9876543210")
	assert.NotEqual(t, `{"userId":"alice"}`, wrong)
	_, err = Encrypt("x", "short")
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken("alice", secret)
	require.NoError(t, err)
	p, err := ParseToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Len(t, p.Timestamp, 14)

	uid, err := TokenResolver{Secret: secret}.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	_, err = TokenResolver{Secret: secret}.Resolve(context.Background(), "bm9wZQ==")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func echoUID() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UIDFromContext(r.Context())))
	})
}

func TestWrapWithTokens(t *testing.T) {
	cfg := Config{
		Enabled:      true,
		Mode:         "default_protect",
		Header:       "Authorization",
		BearerPrefix: "Bearer ",
		QueryKey:     "token",
		PublicPaths:  []string{"/healthz", "/metrics"},
	}
	h := Wrap(cfg, TokenResolver{Secret: secret}, echoUID())
	tok, err := IssueToken("bob", secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/recents", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream?token="+tok, nil))
	assert.Equal(t, "bob", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/recents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/recents", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWrapDisabledUsesDevHeader(t *testing.T) {
	h := Wrap(Config{DevHeader: "X-User-Id"}, nil, echoUID())

	req := httptest.NewRequest(http.MethodGet, "/v1/recents", nil)
	req.Header.Set("X-User-Id", "carol")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "carol", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/recents?uid=dave", nil))
	assert.Equal(t, "dave", rec.Body.String())
}

func TestDefaultPublicMode(t *testing.T) {
	cfg := Config{Enabled: true, Mode: "default_public", Header: "Authorization", ProtectedPaths: []string{"/v1/"}}
	h := Wrap(cfg, TokenResolver{Secret: secret}, echoUID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/recents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionResolver(t *testing.T) {
	addr := os.Getenv("IM_CHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("IM_CHAT_TEST_REDIS not set")
	}
	opt, err := redis.ParseURL("redis://" + addr)
	require.NoError(t, err)
	cli := redis.NewClient(opt)
	t.Cleanup(func() { _ = cli.Close() })
	ctx := context.Background()

	s := NewSessionStore(cli, "im:token:", time.Hour)
	require.NoError(t, s.Put(ctx, "tok-1", map[string]string{"userId": "alice", "nickname": "Alice"}))
	r := SessionResolver{Sessions: s}

	uid, err := r.Resolve(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	require.NoError(t, s.Delete(ctx, "tok-1"))
	_, err = r.Resolve(ctx, "tok-1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
