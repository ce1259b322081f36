// Package client provides the registry HTTP lookup service and the
// retrying fetcher that resolves all three resources of an identifier.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for registry requests.
var (
	egrRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egr_requests_total",
		Help: "Total registry requests by resource and status",
	}, []string{"resource", "status"})

	egrRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "egr_request_duration_seconds",
		Help:    "Registry request duration in seconds by resource",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"resource"})
)

// IDPlaceholder is replaced by the identifier in URL templates.
const IDPlaceholder = "{id}"

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// DefaultURLTemplates returns the public registry endpoints.
func DefaultURLTemplates() map[registry.Resource]string {
	return map[registry.Resource]string{
		registry.ResourceName:     "https://egr.gov.by/api/v2/egr/getJurNamesByRegNum/{id}",
		registry.ResourceActivity: "https://egr.gov.by/api/v2/egr/getVEDByRegNum/{id}",
		registry.ResourceInfo:     "https://egr.gov.by/api/v2/egr/getAddressByRegNum/{id}",
	}
}

// Response is one raw registry exchange.
type Response struct {
	StatusCode int
	Body       []byte
}

// LookupService performs a single request for one resource of an identifier.
// Implementations do not retry.
type LookupService interface {
	Lookup(ctx context.Context, resource registry.Resource, id string) (*Response, error)
}

// Config holds the HTTP client configuration.
type Config struct {
	// URLTemplates maps each resource to a URL containing IDPlaceholder.
	URLTemplates map[registry.Resource]string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout bounds a single request including body read.
	Timeout time.Duration

	// MaxConnsPerHost sizes the connection pool; usually the concurrency bound.
	MaxConnsPerHost int

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		URLTemplates:    DefaultURLTemplates(),
		UserAgent:       "egr-crawler/1.0",
		Timeout:         30 * time.Second,
		MaxConnsPerHost: 1000,
	}
}

// Client is the HTTP implementation of LookupService.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new registry client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	for _, res := range registry.Resources {
		tmpl, ok := cfg.URLTemplates[res]
		if !ok || tmpl == "" {
			return nil, fmt.Errorf("url template for %s is required", res)
		}
		if !strings.Contains(tmpl, IDPlaceholder) {
			return nil, fmt.Errorf("url template for %s must contain %s", res, IDPlaceholder)
		}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 100
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		logger.Warn().
			Msg("TLS certificate verification DISABLED - registry responses can be intercepted")
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// URL returns the request URL for resource and id.
func (c *Client) URL(resource registry.Resource, id string) string {
	return strings.ReplaceAll(c.config.URLTemplates[resource], IDPlaceholder, id)
}

// Lookup performs one GET request and reads the whole body.
func (c *Client) Lookup(ctx context.Context, resource registry.Resource, id string) (*Response, error) {
	startTime := time.Now()
	defer func() {
		egrRequestDuration.WithLabelValues(string(resource)).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(resource, id), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		egrRequestsTotal.WithLabelValues(string(resource), "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		egrRequestsTotal.WithLabelValues(string(resource), "network_error").Inc()
		return nil, fmt.Errorf("read body: %w", err)
	}

	egrRequestsTotal.WithLabelValues(string(resource), strconv.Itoa(resp.StatusCode)).Inc()

	c.logger.Debug().
		Str("resource", string(resource)).
		Str("id", id).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("Registry response")

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// isTimeout reports whether a transport error is a client-side timeout.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
