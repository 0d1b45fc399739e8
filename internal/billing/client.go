// Package billing fetches revenue figures from the billing service.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"lunary-metrics/internal/metrics"
)

// Figures are the revenue numbers the pipeline folds into each period
// snapshot.
type Figures struct {
	MRR               float64 `json:"mrr"`
	ActiveSubscribers int     `json:"activeSubscribers"`
	ChurnRate         float64 `json:"churnRate"`
}

// MetricsSource provides revenue figures for a reporting period.
type MetricsSource interface {
	FetchFigures(ctx context.Context, periodStart, periodEnd time.Time) (*Figures, error)
}

// HTTPError represents an HTTP error response from the billing service
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("billing service HTTP %d: %s", e.StatusCode, e.Body)
}

// IsServerError checks if an error is a 5xx response
func IsServerError(err error) bool {
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.StatusCode >= 500
	}
	return false
}

// Client fetches figures over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a billing client pointed at the given metrics endpoint.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		logger:     logger,
	}
}

// FetchFigures requests the figures for [periodStart, periodEnd).
func (c *Client) FetchFigures(ctx context.Context, periodStart, periodEnd time.Time) (*Figures, error) {
	url := fmt.Sprintf("%s?start=%s&end=%s",
		c.baseURL,
		periodStart.UTC().Format(time.RFC3339),
		periodEnd.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	timer := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.CollaboratorRequestDuration.WithLabelValues(metrics.CollaboratorBilling).Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues(metrics.CollaboratorBilling, metrics.ResultFailure).Inc()
		return nil, fmt.Errorf("failed to fetch billing figures: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.CollaboratorRequestsTotal.WithLabelValues(metrics.CollaboratorBilling, metrics.ResultFailure).Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var figures Figures
	if err := json.NewDecoder(resp.Body).Decode(&figures); err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues(metrics.CollaboratorBilling, metrics.ResultFailure).Inc()
		return nil, fmt.Errorf("failed to decode billing figures: %w", err)
	}

	metrics.CollaboratorRequestsTotal.WithLabelValues(metrics.CollaboratorBilling, metrics.ResultSuccess).Inc()
	return &figures, nil
}

// Noop is the fallback when no billing endpoint is configured. It reports
// zero figures so the rest of the pipeline still runs.
type Noop struct {
	Logger *slog.Logger
}

// FetchFigures returns zero figures.
func (n *Noop) FetchFigures(ctx context.Context, periodStart, periodEnd time.Time) (*Figures, error) {
	if n.Logger != nil {
		n.Logger.Warn("no billing endpoint configured, revenue figures will be zero")
	}
	return &Figures{}, nil
}
