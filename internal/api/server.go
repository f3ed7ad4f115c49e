package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/browsertrace/browsertrace/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// session lifecycle endpoints are rate limited
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, 100))
	rateLimitedAPI.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.CloseSession).Methods("DELETE")

	// health probe, polled frequently
	api.HandleFunc("/sessions/{id}/responsive", h.GetResponsiveness).Methods("GET")

	// devtools passthrough for live inspection
	api.HandleFunc("/sessions/{id}/devtools", func(w http.ResponseWriter, r *http.Request) {
		h.HandleDevtools(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	// the persistent command channel
	api.HandleFunc("/connection", h.HandleConnection).Methods("GET")

	r.Use(corsMiddleware)
	return r
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
