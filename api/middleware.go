package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/metrics"
	"github.com/eleven-am/pondchat/models"
)

// Identity headers are set by the authenticating proxy in front of the API.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUserName   = "X-User-Name"
	HeaderUserAvatar = "X-User-Avatar"
)

type identityKey struct{}

// Logger returns a request logging middleware using zerolog.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Metrics records request counts and latency labelled by route pattern, so
// ids in the path do not create new series.
func Metrics(collector *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if collector == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}
			collector.ObserveHTTP(r.Method, path, ww.Status(), time.Since(start))
		})
	}
}

// RequireUser rejects requests without an identity header.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}` + "\n"))
			return
		}
		sender := models.Sender{
			ID:       id,
			Username: models.Sanitize(strings.TrimSpace(r.Header.Get(HeaderUserName))),
			Avatar:   strings.TrimSpace(r.Header.Get(HeaderUserAvatar)),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, sender)))
	})
}

// identity returns the caller set by RequireUser.
func identity(r *http.Request) models.Sender {
	sender, _ := r.Context().Value(identityKey{}).(models.Sender)
	return sender
}
