package adminapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/rollingrestartd/rollingrestartd/internal/observability"
)

// apiKeyAuth validates the X-API-Key header or apiKey query parameter against
// the configured key. If no key is configured, requests pass through and a
// warning event is emitted for each one instead.
func apiKeyAuth(configuredKey string, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if configuredKey == "" {
				if logger != nil {
					_ = logger.Log(r.Context(), observability.Event{
						Level:     observability.LevelWarn,
						Component: "adminapi",
						Event:     "auth_bypassed",
						Message:   "no API key configured; request admitted without authentication",
					})
				}
				next.ServeHTTP(w, r)
				return
			}

			supplied := r.Header.Get("X-API-Key")
			if supplied == "" {
				supplied = r.URL.Query().Get("apiKey")
			}
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(configuredKey)) != 1 {
				WriteError(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
