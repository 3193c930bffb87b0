package handlers

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/hlsforge/internal/token"
)

// TokenHandler mints capability tokens for transcoded output.
type TokenHandler struct {
	issuer    *token.Issuer
	namespace string
	ttl       time.Duration
}

// NewTokenHandler creates a token handler. Token scopes are built by
// MediaScope under namespace, and tokens default to ttl when the request
// does not ask for one.
func NewTokenHandler(issuer *token.Issuer, namespace string, ttl time.Duration) *TokenHandler {
	if ttl <= 0 {
		ttl = token.DefaultTTL
	}
	return &TokenHandler{issuer: issuer, namespace: namespace, ttl: ttl}
}

// Register registers the token routes with the API.
func (h *TokenHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "issueToken",
		Method:      "POST",
		Path:        "/api/v1/tokens",
		Summary:     "Issue token",
		Description: "Mints a short-lived token granting one subject access to one output file",
		Tags:        []string{"Tokens"},
	}, h.Issue)
}

// IssueTokenRequest is the request body for minting a token.
type IssueTokenRequest struct {
	Subject    string `json:"subject" minLength:"1" doc:"Viewer the token is bound to"`
	MediaID    string `json:"media_id" doc:"Media identifier" pattern:"^[A-Za-z0-9_.-]{1,128}$"`
	File       string `json:"file" minLength:"1" doc:"File under the media output directory, e.g. index.m3u8"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0" maximum:"86400" doc:"Lifetime; defaults to the configured TTL"`
}

// IssueTokenInput is the input for minting a token.
type IssueTokenInput struct {
	Body IssueTokenRequest
}

// IssueTokenOutput is the output for minting a token.
type IssueTokenOutput struct {
	Body struct {
		Token     string    `json:"token"`
		Resource  string    `json:"resource"`
		ExpiresAt time.Time `json:"expires_at"`
		URL       string    `json:"url"`
	}
}

// Issue mints a token for media_id/file.
func (h *TokenHandler) Issue(_ context.Context, input *IssueTokenInput) (*IssueTokenOutput, error) {
	req := input.Body
	if !mediaIDPattern.MatchString(req.MediaID) {
		return nil, huma.Error422UnprocessableEntity("invalid media_id")
	}
	resource, ok := MediaResource(req.MediaID, req.File)
	if !ok {
		return nil, huma.Error422UnprocessableEntity("file must stay within the media directory")
	}

	ttl := h.ttl
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	tok, err := h.issuer.Issue(req.Subject, MediaScope(h.namespace, req.MediaID), resource, ttl)
	switch {
	case errors.Is(err, token.ErrInvalidField):
		return nil, huma.Error422UnprocessableEntity(err.Error(), err)
	case errors.Is(err, token.ErrNoSecret):
		return nil, huma.Error503ServiceUnavailable("token signing is not configured", err)
	case err != nil:
		return nil, huma.Error500InternalServerError("failed to issue token", err)
	}

	claims, _ := h.issuer.Decode(tok)

	resp := &IssueTokenOutput{}
	resp.Body.Token = tok
	resp.Body.Resource = resource
	resp.Body.ExpiresAt = claims.ExpiresAt
	resp.Body.URL = MediaURL(resource, tok, req.Subject)
	return resp, nil
}

// MediaScope is the token scope of one media item. The namespace keeps
// deployments that share a secret apart.
func MediaScope(namespace, mediaID string) string {
	if namespace == "" {
		return mediaID
	}
	return namespace + ":" + mediaID
}

// MediaResource joins a media id and a file into the resource a token is
// bound to. It reports false when file escapes the media directory.
func MediaResource(mediaID, file string) (string, bool) {
	file = strings.TrimPrefix(file, "/")
	if file == "" || strings.Contains(file, "\\") {
		return "", false
	}
	clean := path.Clean(file)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return mediaID + "/" + clean, true
}

// MediaURL is the playback path for a resource.
func MediaURL(resource, tok, subject string) string {
	return "/media/" + resource + "?" + mediaQuery(tok, subject)
}
