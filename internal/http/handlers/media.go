package handlers

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/hlsforge/internal/hls"
	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/storage"
	"github.com/jmylchreest/hlsforge/internal/token"
)

// SubjectParam is the query parameter naming the viewer a token is bound to.
const SubjectParam = "sub"

// Content types served from the output directory.
const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeMP4      = "video/mp4"
)

// MediaHandler serves transcoded output behind capability tokens. Every
// request is verified before any byte is read from disk.
type MediaHandler struct {
	issuer    *token.Issuer
	files     *storage.Sandbox
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewMediaHandler serves files under <files>/<mediaId>. Tokens must carry
// the MediaScope of the requested media id under namespace.
func NewMediaHandler(issuer *token.Issuer, files *storage.Sandbox, namespace string, ttl time.Duration, logger *slog.Logger) *MediaHandler {
	if ttl <= 0 {
		ttl = token.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaHandler{issuer: issuer, files: files, namespace: namespace, ttl: ttl, logger: logger}
}

// RegisterRoutes registers the media routes on a chi router.
func (h *MediaHandler) RegisterRoutes(router chi.Router) {
	router.Get("/media/{mediaId}/*", h.serve)
	router.Head("/media/{mediaId}/*", h.serve)
}

func (h *MediaHandler) serve(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaId")
	file := chi.URLParam(r, "*")

	resource, ok := MediaResource(mediaID, file)
	if !ok || !mediaIDPattern.MatchString(mediaID) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	subject := q.Get(SubjectParam)
	scope := MediaScope(h.namespace, mediaID)
	if !h.issuer.Verify(q.Get(hls.TokenParam), subject, scope, resource) {
		metrics.TokenChecksTotal.WithLabelValues("denied").Inc()
		h.logger.DebugContext(r.Context(), "media access denied", slog.String("resource", resource))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	metrics.TokenChecksTotal.WithLabelValues("allowed").Inc()

	if strings.EqualFold(path.Ext(resource), ".m3u8") {
		h.servePlaylist(w, r, scope, resource, subject)
		return
	}

	f, info, err := h.files.Open(resource)
	if err != nil {
		h.fileError(w, r, resource, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType(resource))
	w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(h.ttl.Seconds())))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// servePlaylist re-signs every entry of a playlist for the same subject so
// a player can follow it without minting further tokens.
func (h *MediaHandler) servePlaylist(w http.ResponseWriter, r *http.Request, scope, resource, subject string) {
	data, err := h.files.ReadFile(resource)
	if err != nil {
		h.fileError(w, r, resource, err)
		return
	}

	sign := func(res string) (string, error) {
		return h.issuer.Issue(subject, scope, res, h.ttl)
	}
	signed, err := hls.SignPlaylist(data, path.Dir(resource), sign, url.Values{SubjectParam: {subject}})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to sign playlist",
			slog.String("resource", resource),
			slog.Any("error", err),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentTypePlaylist)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(signed)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(signed)
	}
}

func (h *MediaHandler) fileError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrOutsideSandbox) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	h.logger.ErrorContext(r.Context(), "failed to read media file",
		slog.String("resource", resource),
		slog.Any("error", err),
	)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".ts":
		return ContentTypeSegment
	case ".mp4", ".m4s":
		return ContentTypeMP4
	case ".m3u8":
		return ContentTypePlaylist
	default:
		return "application/octet-stream"
	}
}

// mediaQuery encodes the token and subject parameters of a media URL.
func mediaQuery(tok, subject string) string {
	return url.Values{hls.TokenParam: {tok}, SubjectParam: {subject}}.Encode()
}
