package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// withChiURLParam stamps a chi URL parameter onto req the same way the live
// router does, for handler tests that bypass full route mounting.
func withChiURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}
