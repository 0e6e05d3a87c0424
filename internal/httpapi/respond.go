package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/tenant"
)

// respond writes a JSON response with the given status code.
func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// respondError renders err as an RFC 7807 problem document. A plain error
// (not an *apierr.Error) is treated as an unexpected internal failure and
// never has its text exposed on the wire -- only the correlation ID is, so
// an operator can hand it to an engineer who has the log.
func respondError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	correlationID, _ := tenant.Correlation(r.Context())

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		log.Error("unhandled internal error", "error", err, "correlationId", correlationID, "path", r.URL.Path)
		apiErr = apierr.Wrap(apierr.Internal, "an internal error occurred", correlationID, err)
	}
	if cause := apiErr.Unwrap(); cause != nil {
		log.Error("request failed", "errorCode", apiErr.Code, "cause", cause, "correlationId", correlationID, "path", r.URL.Path)
	}

	doc := apiErr.Problem(r.URL.Path)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(doc.Status)
	_ = json.NewEncoder(w).Encode(doc)
}
