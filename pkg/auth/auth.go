package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that the Authorization header was not provided.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the header did not use the required Key prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrInvalidKey indicates the key does not match the configured one.
	ErrInvalidKey = errors.New("invalid API key")
)

// ExtractKey parses an "Authorization: Key <token>" header.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}

	if !strings.HasPrefix(header, "Key ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimPrefix(header, "Key ")
	if token == "" {
		return "", ErrMissingKey
	}

	return token, nil
}

// RequireKey rejects requests whose key differs from expected. An empty
// expected key disables the check.
func RequireKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractKey(r)
			if err == nil && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				err = ErrInvalidKey
			}
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Key")
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Requester identifies the caller for admission control. The X-Requester-Id
// header wins over the API key, and the remote address is the fallback.
func Requester(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Requester-Id")); id != "" {
		return id
	}
	if token, err := ExtractKey(r); err == nil {
		return "key:" + token
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return "addr:" + host
}
