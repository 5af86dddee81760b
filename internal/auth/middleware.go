package auth

import (
	"log/slog"
	"net/http"
)

const (
	// SessionCookie carries an access key set by a browser client.
	SessionCookie = "bmsnode-session"
	// KeyHeader carries an access key from scripted clients.
	KeyHeader = "X-Api-Key"

	keyQueryParam = "api-key"
)

// Middleware enforces an access key unless the service is in open mode.
// The key is taken from the X-Api-Key header, the session cookie or the
// api-key query parameter.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.IsOpenMode() {
			next.ServeHTTP(w, r)
			return
		}
		if name, ok := s.Lookup(requestKey(r)); ok {
			slog.Debug("auth: request accepted", "key", name, "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}
		slog.Info("auth: request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"UNAUTHORIZED","message":"access key required"}` + "\n"))
	})
}

func requestKey(r *http.Request) string {
	if key := r.Header.Get(KeyHeader); key != "" {
		return key
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(keyQueryParam)
}
