// Package api is the admin surface mounted beside the proxy endpoint:
// stored-exchange browsing, aggregate stats, dataset export, pipeline
// diagnostics, and the unauthenticated health probe.
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/auth"
	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

type RouterOptions struct {
	AppVersion    string
	Store         record.Store
	StorageDriver string
	StoragePath   string
	AdminToken    *auth.AdminToken
	Diagnostics   DiagnosticsReader
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))

	admin := http.NewServeMux()
	admin.Handle("/admin/requests", RequestsHandler(options.Store))
	admin.Handle("/admin/requests/", RequestDetailHandler(options.Store))
	admin.Handle("/admin/stats", StatsHandler(options.Store))
	admin.Handle("/admin/export", ExportHandler(options.Store))
	admin.Handle("/admin/diagnostics", DiagnosticsHandler(options.Diagnostics))
	mux.Handle("/admin/", withAdminAuth(options.AdminToken, admin))

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// withAdminAuth fails closed: with no token configured the admin surface is
// unreachable rather than open.
func withAdminAuth(token *auth.AdminToken, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !token.Enabled() {
			writeError(w, http.StatusServiceUnavailable, "admin access is not configured")
			return
		}
		if !token.Authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization"}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
