package operatorauth

import (
	"net/http"

	"github.com/fleetward/control-plane/internal/tenant"
)

// Middleware authenticates a request via API bearer token or session
// cookie and, on success, stamps the resolved tenant/operator pair into the
// request context the same way internal/httpapi's mTLS node middleware
// stamps a node's identity -- downstream handlers and repositories never
// need to know which path produced the claims.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var claims *Claims

			if bearer := ExtractBearerToken(r.Header.Get("Authorization")); bearer != "" {
				claims = svc.ValidateBearerToken(r.Context(), bearer)
				if claims == nil {
					http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
					return
				}
			} else if token := SessionTokenFromRequest(r); token != "" {
				claims = svc.ValidateSession(r.Context(), token)
				if claims == nil {
					ClearSessionCookie(w, svc.cookieSecure)
					http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
					return
				}
			} else {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			ctx := tenant.WithTenant(r.Context(), claims.TenantID)
			ctx = tenant.WithOperator(ctx, claims.OperatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that rejects requests whose resolved
// operator lacks role. Must run after Middleware.
func RequireRole(svc *Service, role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operatorID, ok := tenant.Operator(r.Context())
			if !ok {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			op, err := svc.operators.GetOperator(operatorID)
			if err != nil || op == nil || !op.HasRole(role) {
				http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
