package middleware

import (
	"net/http"
	"path"
	"strings"
)

// SelectiveCompression applies compress to every response except event
// streams, which must flush unbuffered, and media segments, which are
// already compressed and are fetched with Range requests. Playlists are
// still compressed.
func SelectiveCompression(compress func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isEventStream(r) || isMediaSegment(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func isEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream") ||
		strings.HasSuffix(r.URL.Path, "/events")
}

func isMediaSegment(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/media/") && path.Ext(r.URL.Path) != ".m3u8"
}
