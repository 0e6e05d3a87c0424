package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/operatorauth"
	"github.com/fleetward/control-plane/internal/tenant"
)

// loginRequest is the wire shape of POST /auth/login.
type loginRequest struct {
	TenantID string `json:"tenantId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// sessionResponse is the wire shape returned on a successful login or TOTP
// verification.
type sessionResponse struct {
	Token            string `json:"token,omitempty"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	TOTPRequired     bool   `json:"totpRequired,omitempty"`
	PendingTOTPToken string `json:"pendingToken,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	correlationID, _ := tenant.Correlation(r.Context())
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidPayload, "request body is not valid JSON", correlationID))
		return
	}

	session, err := s.deps.OperatorAuth.Login(r.Context(), req.TenantID, req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		var totpErr *operatorauth.ErrTOTPRequired
		if errors.As(err, &totpErr) {
			respond(w, http.StatusAccepted, sessionResponse{TOTPRequired: true, PendingTOTPToken: totpErr.PendingToken})
			return
		}
		http.Error(w, `{"error":"invalid username or password"}`, http.StatusUnauthorized)
		return
	}

	operatorauth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.CookieSecure)
	respond(w, http.StatusOK, sessionResponse{Token: session.Token, ExpiresAt: session.ExpiresAt.Format(httpTimeLayout)})
}

// totpVerifyRequest is the wire shape of POST /auth/totp/verify.
type totpVerifyRequest struct {
	PendingToken string `json:"pendingToken"`
	Code         string `json:"code"`
}

func (s *Server) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	correlationID, _ := tenant.Correlation(r.Context())
	var req totpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidPayload, "request body is not valid JSON", correlationID))
		return
	}

	session, err := s.deps.OperatorAuth.VerifyTOTP(r.Context(), req.PendingToken, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		http.Error(w, `{"error":"invalid or expired TOTP code"}`, http.StatusUnauthorized)
		return
	}

	operatorauth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.CookieSecure)
	respond(w, http.StatusOK, sessionResponse{Token: session.Token, ExpiresAt: session.ExpiresAt.Format(httpTimeLayout)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := operatorauth.SessionTokenFromRequest(r)
	if token != "" {
		_ = s.deps.OperatorAuth.Logout(token)
	}
	operatorauth.ClearSessionCookie(w, s.deps.CookieSecure)
	respond(w, http.StatusNoContent, nil)
}

const httpTimeLayout = "2006-01-02T15:04:05Z07:00"

// clientIP returns the request's originating address, preferring a proxy-set
// header since the control plane typically sits behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
