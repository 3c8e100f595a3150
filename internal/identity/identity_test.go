package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "tab-1", want: "tab-1"},
		{in: "  tab.2:x  ", want: "tab.2:x"},
		{in: "", want: DefaultSessionIDValue},
		{in: "../../etc/passwd", want: DefaultSessionIDValue},
		{in: strings.Repeat("a", 129), want: DefaultSessionIDValue},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	var clientID, sessionID string
	h := Middleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		clientID = ClientIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set(SessionHeaderName, "tab-42")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !strings.HasPrefix(clientID, "client_") || strings.Contains(clientID, "203.0.113.7") {
		t.Fatalf("expected hashed client id, got %q", clientID)
	}
	if sessionID != "tab-42" {
		t.Fatalf("expected session id from header, got %q", sessionID)
	}

	other := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	other.RemoteAddr = "203.0.113.7:60000"
	var again string
	Middleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		again = ClientIDFromContext(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), other)
	if again != clientID {
		t.Fatalf("same IP must map to the same client id, got %q and %q", clientID, again)
	}
}

func TestIPFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	if got := IPFromRequest(r); got != "2001:db8::1" {
		t.Fatalf("unexpected ip %q", got)
	}
	r.RemoteAddr = "unix"
	if got := IPFromRequest(r); got != "unix" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
