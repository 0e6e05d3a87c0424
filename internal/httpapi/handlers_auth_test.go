package httpapi

import (
	"bytes"
	"net/http/httptest"
	"testing"
)

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP = %q, want the forwarded address", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	if got := clientIP(req); got != "10.0.0.1:5555" {
		t.Fatalf("clientIP = %q, want RemoteAddr", got)
	}
}

func TestHandleLoginRejectsMalformedBody(t *testing.T) {
	s := newBareTestServer()

	req := httptest.NewRequest("POST", "/auth/login", bytes.NewBufferString(`not json`))
	w := httptest.NewRecorder()

	s.handleLogin(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleVerifyTOTPRejectsMalformedBody(t *testing.T) {
	s := newBareTestServer()

	req := httptest.NewRequest("POST", "/auth/totp/verify", bytes.NewBufferString(`not json`))
	w := httptest.NewRecorder()

	s.handleVerifyTOTP(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleLogoutWithoutCookieStillClearsAndReturnsNoContent(t *testing.T) {
	s := newBareTestServer()

	req := httptest.NewRequest("POST", "/auth/logout", nil)
	w := httptest.NewRecorder()

	s.handleLogout(w, req)

	if w.Code != 204 {
		t.Fatalf("status = %d, want 204, body = %s", w.Code, w.Body.String())
	}
}
