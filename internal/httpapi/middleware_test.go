package httpapi

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fleetward/control-plane/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func certWithCN(cn string) *x509.Certificate {
	return &x509.Certificate{Subject: pkix.Name{CommonName: cn}}
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var captured string
	h := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = tenant.Correlation(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.ServeHTTP(rr, req)

	if captured == "" {
		t.Fatal("expected a generated correlation id")
	}
	if rr.Header().Get("X-Request-ID") != captured {
		t.Fatalf("expected response header to echo %q, got %q", captured, rr.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDPreservesCaller(t *testing.T) {
	var captured string
	h := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = tenant.Correlation(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	h.ServeHTTP(rr, req)

	if captured != "caller-supplied-id" {
		t.Fatalf("expected caller-supplied id preserved, got %q", captured)
	}
}

func TestRequireNodeCertRejectsMissingTLS(t *testing.T) {
	var called bool
	h := requireNodeCert(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/agents/x/heartbeat", nil)
	h.ServeHTTP(rr, req)

	if called {
		t.Fatal("handler must not run without a client certificate")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireNodeCertRejectsMalformedCN(t *testing.T) {
	var called bool
	h := requireNodeCert(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/agents/x/heartbeat", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{certWithCN("not-a-node-cn")}}
	h.ServeHTTP(rr, req)

	if called {
		t.Fatal("handler must not run with a malformed CN")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireNodeCertStampsNodeID(t *testing.T) {
	const nodeID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	var stamped string
	h := requireNodeCert(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamped, _ = tenant.Node(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/agents/x/heartbeat", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{certWithCN("node-" + nodeID)}}
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if stamped != nodeID {
		t.Fatalf("expected node id %q stamped, got %q", nodeID, stamped)
	}
}

func TestRequireTenantMatch(t *testing.T) {
	ctx := tenant.WithTenant(t.Context(), "tenant-a")
	if !requireTenantMatch(ctx, "tenant-a") {
		t.Fatal("expected matching tenant to pass")
	}
	if requireTenantMatch(ctx, "tenant-b") {
		t.Fatal("expected mismatched tenant to fail")
	}
	if requireTenantMatch(t.Context(), "tenant-a") {
		t.Fatal("expected no-tenant context to fail")
	}
}
