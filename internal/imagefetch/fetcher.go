// Package imagefetch downloads remote images for upload by URL.
package imagefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/catalog-service/internal/domain/catalog"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 10 << 20
)

// ErrTooLarge is returned when the remote body exceeds the size limit.
var ErrTooLarge = errors.New("image exceeds size limit")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

var _ catalog.ImageFetcher = (*Fetcher)(nil)

// Config configures the Fetcher.
type Config struct {
	Timeout  time.Duration
	MaxBytes int64
}

// Fetcher downloads images over HTTP.
type Fetcher struct {
	http     *http.Client
	maxBytes int64
}

// New creates a Fetcher.
func New(cfg Config, tp trace.TracerProvider, mp metric.MeterProvider) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Fetcher{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(tp),
				otelhttp.WithMeterProvider(mp),
			),
		},
		maxBytes: cfg.MaxBytes,
	}
}

// Fetch downloads rawURL and returns its body and Content-Type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "create request")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "do request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "read body")
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", ErrTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}
