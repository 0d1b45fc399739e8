// Package notify delivers the weekly digest and failure alerts.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"lunary-metrics/internal/metrics"
)

// Digest priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Field is one labeled value in a digest.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Digest is a rendered notification. DedupeKey lets the receiving side drop
// duplicate deliveries of the same logical report.
type Digest struct {
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Fields    []Field `json:"fields,omitempty"`
	DedupeKey string  `json:"dedupeKey"`
	Priority  string  `json:"priority"`
}

// Notifier delivers digests.
type Notifier interface {
	SendDigest(ctx context.Context, digest Digest) error
}

// WebhookNotifier posts digests as JSON to a configured webhook.
type WebhookNotifier struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        url,
		logger:     logger,
	}
}

// SendDigest posts the digest. Any non-2xx response is an error.
func (n *WebhookNotifier) SendDigest(ctx context.Context, digest Digest) error {
	payload, err := json.Marshal(digest)
	if err != nil {
		return fmt.Errorf("failed to encode digest: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timer := time.Now()
	resp, err := n.httpClient.Do(req)
	metrics.CollaboratorRequestDuration.WithLabelValues(metrics.CollaboratorNotify).Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues(metrics.CollaboratorNotify, metrics.ResultFailure).Inc()
		return fmt.Errorf("failed to send digest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.CollaboratorRequestsTotal.WithLabelValues(metrics.CollaboratorNotify, metrics.ResultFailure).Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("digest webhook returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	metrics.CollaboratorRequestsTotal.WithLabelValues(metrics.CollaboratorNotify, metrics.ResultSuccess).Inc()
	n.logger.Info("digest delivered", "dedupe_key", digest.DedupeKey)
	return nil
}

// LogNotifier is the fallback when no webhook is configured: digests go to
// the log instead of being dropped silently.
type LogNotifier struct {
	Logger *slog.Logger
}

// SendDigest logs the digest.
func (n *LogNotifier) SendDigest(ctx context.Context, digest Digest) error {
	n.Logger.Info("digest (no webhook configured)",
		"title", digest.Title,
		"message", digest.Message,
		"dedupe_key", digest.DedupeKey,
		"priority", digest.Priority,
		"fields", len(digest.Fields))
	return nil
}
