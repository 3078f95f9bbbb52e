// Package auth resolves the calling user for the client API. The core
// trusts the resolved id as already authenticated.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"yuim/im-chat/pkg/chat"
)

type contextKey string

const CtxUID contextKey = "uid"

type Config struct {
	Enabled bool
	// Mode is default_protect (everything but PublicPaths needs a token) or
	// default_public (only ProtectedPaths do).
	Mode string

	Header       string
	BearerPrefix string
	QueryKey     string

	PublicPaths    []string
	ProtectedPaths []string

	// DevHeader names the header carrying a raw user id when auth is
	// disabled. The uid query parameter is accepted as well.
	DevHeader string
}

func matchPath(paths []string, path string) bool {
	for _, p := range paths {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (c Config) needsAuth(path string) bool {
	if strings.EqualFold(c.Mode, "default_public") {
		return matchPath(c.ProtectedPaths, path)
	}
	return !matchPath(c.PublicPaths, path)
}

// ExtractToken reads the header first, then the query parameter.
func ExtractToken(r *http.Request, header, bearerPrefix, queryKey string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			if bearerPrefix != "" && strings.HasPrefix(v, bearerPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
			}
			return v
		}
	}
	if queryKey != "" {
		return strings.TrimSpace(r.URL.Query().Get(queryKey))
	}
	return ""
}

// Wrap puts the caller's id into the request context.
func Wrap(cfg Config, resolver Resolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			uid := ""
			if cfg.DevHeader != "" {
				uid = strings.TrimSpace(r.Header.Get(cfg.DevHeader))
			}
			if uid == "" {
				uid = strings.TrimSpace(r.URL.Query().Get("uid"))
			}
			if uid != "" {
				r = r.WithContext(WithUID(r.Context(), uid))
			}
			next.ServeHTTP(w, r)
			return
		}
		if !cfg.needsAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tok := ExtractToken(r, cfg.Header, cfg.BearerPrefix, cfg.QueryKey)
		if tok == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		uid, err := resolver.Resolve(r.Context(), tok)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			} else {
				http.Error(w, "auth error", http.StatusServiceUnavailable)
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUID(r.Context(), uid)))
	})
}

func WithUID(ctx context.Context, uid chat.UserID) context.Context {
	return context.WithValue(ctx, CtxUID, uid)
}

func UIDFromContext(ctx context.Context) chat.UserID {
	s, _ := ctx.Value(CtxUID).(string)
	return s
}
