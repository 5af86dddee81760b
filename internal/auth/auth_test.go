package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/micro-nova/bmsnode/internal/auth"
)

// writeKeys writes keys.json to dir.
func writeKeys(t *testing.T, dir string, keys ...auth.Key) {
	t.Helper()
	data, err := json.Marshal(auth.KeyFile{Keys: keys})
	if err != nil {
		t.Fatalf("json.Marshal keys: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "keys.json"), data, 0600); err != nil {
		t.Fatalf("WriteFile keys.json: %v", err)
	}
}

func newService(t *testing.T, dir string) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(dir)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func newSecuredService(t *testing.T, secret string) *auth.Service {
	t.Helper()
	dir := t.TempDir()
	writeKeys(t, dir, auth.Key{Name: "installer", Secret: secret})
	return newService(t, dir)
}

// serve runs req through the middleware and reports whether next ran.
func serve(svc *auth.Service, req *http.Request) (*httptest.ResponseRecorder, bool) {
	called := false
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, called
}

// --- Open mode ---

func TestService_OpenMode(t *testing.T) {
	svc := newService(t, t.TempDir())
	if !svc.IsOpenMode() {
		t.Error("IsOpenMode() = false, want true when no keys.json")
	}
	if _, ok := svc.Lookup("anything-at-all"); ok {
		t.Error("Lookup matched with no keys configured")
	}
}

func TestService_InvalidEntriesSkipped(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir,
		auth.Key{Name: "short", Secret: "abc"},
		auth.Key{Secret: "no-name-secret"},
	)
	svc := newService(t, dir)
	if !svc.IsOpenMode() {
		t.Error("IsOpenMode() = false with only invalid keys")
	}
	if _, ok := svc.Lookup("no-name-secret"); ok {
		t.Error("unnamed key accepted")
	}
}

func TestService_DisabledOnlyIsOpen(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir, auth.Key{Name: "old", Secret: "retired-secret", Disabled: true})
	svc := newService(t, dir)
	if !svc.IsOpenMode() {
		t.Error("IsOpenMode() = false with only disabled keys")
	}
}

func TestMiddleware_OpenMode_PassesThrough(t *testing.T) {
	svc := newService(t, t.TempDir())
	rr, called := serve(svc, httptest.NewRequest(http.MethodPost, "/otaupload", nil))
	if !called || rr.Code != http.StatusOK {
		t.Errorf("open mode: called=%v code=%d", called, rr.Code)
	}
}

func TestService_MissingDir_NoError(t *testing.T) {
	svc := newService(t, filepath.Join(t.TempDir(), "does-not-exist"))
	if !svc.IsOpenMode() {
		t.Error("expected open mode for non-existent dir")
	}
}

func TestService_CorruptKeysFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "keys.json"), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.NewService(dir); err == nil {
		t.Error("NewService with corrupt keys.json: expected error")
	}
}

// --- Secured mode ---

func TestService_Lookup(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir,
		auth.Key{Name: "installer", Secret: "installer-secret"},
		auth.Key{Name: "agent", Secret: "agent-secret-1", Expires: time.Now().Add(time.Hour)},
		auth.Key{Name: "expired", Secret: "expired-secret", Expires: time.Now().Add(-time.Hour)},
		auth.Key{Name: "revoked", Secret: "revoked-secret", Disabled: true},
	)
	svc := newService(t, dir)
	if svc.IsOpenMode() {
		t.Fatal("IsOpenMode() = true with keys configured")
	}

	tests := []struct {
		secret string
		name   string
		ok     bool
	}{
		{"installer-secret", "installer", true},
		{"agent-secret-1", "agent", true},
		{"expired-secret", "expired", false},
		{"revoked-secret", "revoked", false},
		{"wrong-secret", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		name, ok := svc.Lookup(tt.secret)
		if ok != tt.ok || (ok && name != tt.name) {
			t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.secret, name, ok, tt.name, tt.ok)
		}
	}
}

func TestService_ExpiredKeyStillLocks(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir, auth.Key{Name: "installer", Secret: "expired-secret", Expires: time.Now().Add(-time.Minute)})
	svc := newService(t, dir)
	if svc.IsOpenMode() {
		t.Error("expired key opened the device")
	}
	rr, called := serve(svc, httptest.NewRequest(http.MethodGet, "/reboot?api-key=expired-secret", nil))
	if called || rr.Code != http.StatusUnauthorized {
		t.Errorf("expired key: called=%v code=%d", called, rr.Code)
	}
}

func TestMiddleware_SecuredMode(t *testing.T) {
	const key = "s3cret-key"
	svc := newSecuredService(t, key)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		want   bool
	}{
		{"header", func(r *http.Request) { r.Header.Set(auth.KeyHeader, key) }, "/api/config", true},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: key}) }, "/api/config", true},
		{"query", func(r *http.Request) {}, "/api/config?api-key=" + key, true},
		{"wrong header", func(r *http.Request) { r.Header.Set(auth.KeyHeader, "nope-nope") }, "/api/config", false},
		{"none", func(r *http.Request) {}, "/api/config", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			tt.setup(req)
			rr, called := serve(svc, req)
			if called != tt.want {
				t.Errorf("called = %v, want %v", called, tt.want)
			}
			if !tt.want && rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}
}

func TestService_Reload(t *testing.T) {
	dir := t.TempDir()
	svc := newService(t, dir)
	if !svc.IsOpenMode() {
		t.Fatal("initially expected open mode")
	}

	writeKeys(t, dir, auth.Key{Name: "installer", Secret: "reload-key"})
	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := svc.Lookup("reload-key"); svc.IsOpenMode() || !ok {
		t.Error("key not active after reload")
	}

	if err := os.Remove(filepath.Join(dir, "keys.json")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload after remove: %v", err)
	}
	if !svc.IsOpenMode() {
		t.Error("expected open mode after keys.json removed")
	}
}

func TestService_WatchPicksUpNewKeys(t *testing.T) {
	dir := t.TempDir()
	svc := newService(t, dir)

	writeKeys(t, dir, auth.Key{Name: "installer", Secret: "watched-key"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := svc.Lookup("watched-key"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Skip("fsnotify event not delivered on this filesystem")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
