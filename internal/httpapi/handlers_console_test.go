package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/fleetward/control-plane/internal/tenant"
)

func TestHandleConsoleWebsocketRejectsTenantMismatch(t *testing.T) {
	const ownTenant = "11111111-1111-1111-1111-111111111111"
	const pathTenant = "22222222-2222-2222-2222-222222222222"
	s := newBareTestServer()

	req := httptest.NewRequest("GET", "/organizations/"+pathTenant+"/console", nil)
	req = req.WithContext(tenant.WithTenant(req.Context(), ownTenant))
	req = withChiURLParam(req, "tenantId", pathTenant)
	w := httptest.NewRecorder()

	// A tenant mismatch must be rejected before any websocket upgrade is
	// attempted -- the plain httptest.ResponseRecorder here doesn't support
	// hijacking, so a successful upgrade attempt would panic rather than
	// just failing the assertion.
	s.handleConsoleWebsocket(w, req)

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404 for a tenant that doesn't own the path, body = %s", w.Code, w.Body.String())
	}
}
