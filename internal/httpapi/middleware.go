package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/telemetry"
	"github.com/fleetward/control-plane/internal/tenant"
)

// nodeCNPattern matches the authoritative node identity carried in an mTLS
// leaf certificate's CommonName, per the wire contract's "CN node-{uuid} is
// the authoritative node identity" rule.
var nodeCNPattern = regexp.MustCompile(`^node-([0-9a-fA-F-]{36})$`)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// requestID stamps a correlation ID into the request context and response
// header, generating one when the caller didn't supply it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := tenant.WithCorrelation(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs every request with method, path, status, and duration.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			correlationID, _ := tenant.Correlation(r.Context())
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"durationMs", time.Since(start).Milliseconds(),
				"correlationId", correlationID,
			)
		})
	}
}

// requestMetrics records request duration to Prometheus, labeled by the
// matched chi route pattern so cardinality stays bounded by route count, not
// by every distinct path (node/tenant UUIDs included).
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		telemetry.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Observe(time.Since(start).Seconds())
	})
}

// requireNodeCert extracts the calling node's UUID from the mTLS client
// certificate's CN and stamps it into context. Header-supplied node IDs are
// never trusted -- this is the only source of node identity for any
// /agents/... route, per the wire contract's authentication edges.
func requireNodeCert(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID, _ := tenant.Correlation(r.Context())

			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				respondError(w, r, log, apierr.New(apierr.CertMissingCN, "client certificate required", correlationID))
				return
			}
			cn := r.TLS.PeerCertificates[0].Subject.CommonName
			m := nodeCNPattern.FindStringSubmatch(cn)
			if m == nil {
				respondError(w, r, log, apierr.New(apierr.CertInvalidCNFormat, "client certificate CN is not a valid node identity", correlationID))
				return
			}
			ctx := tenant.WithNode(r.Context(), m[1])
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireTenantMatch rejects any request whose {tenantId} path parameter
// disagrees with the authenticated operator's own tenant -- authorization
// failures never leak existence, so this renders identically to NodeNotFound
// at the handler level rather than a distinct "forbidden" shape.
func requireTenantMatch(ctx context.Context, pathTenantID string) bool {
	callerTenant, ok := tenant.Tenant(ctx)
	return ok && callerTenant == pathTenantID
}
