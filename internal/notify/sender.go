package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmylchreest/hlsforge/internal/httpclient"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Hlsforge-Event"
	HeaderDelivery  = "X-Hlsforge-Delivery"
	HeaderSignature = "X-Hlsforge-Signature"
)

// WebhookSender posts events as JSON.
type WebhookSender struct {
	client *httpclient.Client
	url    string
	secret []byte
}

// NewWebhookSender creates a sender posting to url. A non-empty secret
// signs each body with HMAC-SHA256.
func NewWebhookSender(client *httpclient.Client, url, secret string) *WebhookSender {
	s := &WebhookSender{client: client, url: url}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Send posts ev. Statuses outside 2xx are returned as *httpclient.StatusError.
func (s *WebhookSender) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	header := http.Header{}
	header.Set(HeaderEvent, string(ev.Type))
	header.Set(HeaderDelivery, ev.ID)
	if s.secret != nil {
		header.Set(HeaderSignature, Sign(s.secret, body))
	}

	resp, err := s.client.Post(ctx, s.url, "application/json", body, header)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// LogSender writes events to the log. It is used when no webhook is set.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With(slog.String("component", "notify.log"))}
}

// Send logs ev.
func (s *LogSender) Send(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Type == EventExhausted {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "transcode event",
		slog.String("event", string(ev.Type)),
		slog.String("job_id", ev.JobID),
		slog.String("status", string(ev.Status)),
		slog.Int("attempt", ev.Attempt),
		slog.String("error", ev.Error),
	)
	return nil
}
