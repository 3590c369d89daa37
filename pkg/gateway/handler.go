package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/gatekeep/internal/httpserver"
)

// Methods is the set of HTTP methods the ingress surface accepts
// (spec.md §3's Route.methods domain).
var Methods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodHead, http.MethodOptions,
}

// Mount registers the `/g/{route}/{path:*}` ingress surface on r, one
// chi.Method call per entry in Methods, each dispatching to the same
// Pipeline (spec.md §9's "route singletons through a small root context":
// the Pipeline is built once by the caller and closed over here, not
// reconstructed per request).
func Mount(r chi.Router, p *Pipeline) {
	h := &Handler{Pipeline: p}
	for _, m := range Methods {
		r.Method(m, "/g/{route}/*", h)
	}
}

// Handler adapts chi's http.Handler interface to Pipeline.Execute,
// translating the request in and the Response out (spec.md §4.10, §6).
type Handler struct {
	Pipeline *Pipeline
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := Request{
		RouteName:    chi.URLParam(r, "route"),
		Method:       r.Method,
		Path:         wildcardPath(r),
		RawQuery:     r.URL.RawQuery,
		Query:        r.URL.Query(),
		Headers:      map[string][]string(r.Header),
		Body:         r.Body,
		ClientIP:     clientIP(r),
		APIKeySecret: r.Header.Get("X-API-Key"),
		RequestID:    httpserver.RequestIDFromContext(r.Context()),
	}

	resp := h.Pipeline.Execute(r.Context(), req)
	render(w, resp)
}

// wildcardPath recovers the sub-path past the route name segment, with a
// leading slash, so it matches what upstream.BuildURL and the cache key
// expect for req.Path.
func wildcardPath(r *http.Request) string {
	rest := chi.URLParam(r, "*")
	if rest == "" {
		return "/"
	}
	return "/" + rest
}

// clientIP takes the first X-Forwarded-For entry if present (spec.md
// §6), otherwise the request's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// render writes a Pipeline Response as an HTTP response: the raw
// cache/upstream body and headers on success, the standard error
// envelope on failure (spec.md §6).
func render(w http.ResponseWriter, resp Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	if resp.ErrorTag != "" {
		httpserver.RespondError(w, resp.StatusCode, httpserver.ErrorEnvelope{
			Error:      resp.ErrorTag,
			Message:    resp.ErrorMessage,
			RequestID:  resp.Headers["X-Request-Id"],
			RetryAfter: resp.RetryAfter,
		})
		return
	}

	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
