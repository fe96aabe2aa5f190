package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/c360studio/taskgate/metric"
	"github.com/c360studio/taskgate/roles"
)

type contextKey string

const userKey contextKey = "user"

// identity resolves the trusted identity headers into a roles.User. The
// role directory is authoritative; a missing or unknown email is a 403
// on every /api route.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := r.Header.Get("X-Reviewer-Email")
		if email == "" {
			email = r.Header.Get("X-Trainer-Email")
		}
		if email == "" {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "identity header required"})
			return
		}

		user, err := s.directory.Resolve(r.Context(), email)
		if err != nil {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "unknown user"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// caller returns the resolved identity. Routes under /api always have one.
func caller(r *http.Request) *roles.User {
	user, _ := r.Context().Value(userKey).(*roles.User)
	return user
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metric.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		metric.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// requireReviewer rejects trainer callers on reviewer-only task routes.
func requireReviewer(w http.ResponseWriter, r *http.Request) *roles.User {
	user := caller(r)
	if user.Role == roles.RoleTrainer {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "reviewer role required"})
		return nil
	}
	return user
}
