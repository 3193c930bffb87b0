package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// Headers a player sends when fetching playlists and byte ranges of
// segments, plus the ones the API and event stream use.
var (
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	corsAllowHeaders  = strings.Join([]string{"Accept", "Authorization", "Content-Type", "Range", "Last-Event-ID", "X-Request-ID"}, ", ")
	corsExposeHeaders = strings.Join([]string{"X-Request-ID", "Content-Length", "Content-Range", "Accept-Ranges"}, ", ")
)

const corsMaxAge = "86400"

// CORS allows cross-origin requests from origins, or from any origin when
// origins is empty or contains "*". Credentials are never allowed since
// media access is carried by tokens in the URL.
func CORS(origins ...string) func(http.Handler) http.Handler {
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if origin := r.Header.Get("Origin"); origin != "" {
				switch {
				case wildcard:
					h.Set("Access-Control-Allow-Origin", "*")
				case slices.Contains(origins, origin):
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				if h.Get("Access-Control-Allow-Origin") != "" {
					h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				}
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
