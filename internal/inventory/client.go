// Package inventory is a client for the external inventory service.
package inventory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/catalog-service/internal/domain/catalog"
)

// ErrUnavailable is returned when the inventory service cannot answer.
var ErrUnavailable = errors.New("inventory service unavailable")

var _ catalog.InventoryClient = (*Client)(nil)

// Record is the inventory service's view of a product.
type Record struct {
	Code     string
	Quantity int64
}

// Config configures the client.
type Config struct {
	BaseURL string
	// Timeout bounds a whole lookup, retries included.
	Timeout time.Duration
	// AttemptTimeout bounds a single request. Capped at Timeout.
	AttemptTimeout time.Duration
	MaxRetries     uint // total attempts, including the first
}

// Client queries GET {BaseURL}/api/inventory/{code}.
type Client struct {
	base       string
	http       *http.Client
	timeout    time.Duration
	maxRetries uint
	backoff    func() backoff.BackOff
}

// New creates a Client with an instrumented transport.
func New(cfg Config, tp trace.TracerProvider, mp metric.MeterProvider) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.AttemptTimeout <= 0 || cfg.AttemptTimeout > cfg.Timeout {
		cfg.AttemptTimeout = cfg.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: cfg.AttemptTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(tp),
				otelhttp.WithMeterProvider(mp),
			),
		},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
}

// IsAvailable reports whether the product has stock on hand.
func (c *Client) IsAvailable(ctx context.Context, code string) (bool, error) {
	rec, err := c.Get(ctx, code)
	if err != nil {
		return false, err
	}
	return rec.Quantity > 0, nil
}

// Get fetches the inventory record of code. Network errors and 5xx
// responses are retried; other statuses fail immediately. The whole lookup,
// retries included, ends within the configured Timeout.
func (c *Client) Get(ctx context.Context, code string) (Record, error) {
	endpoint := c.base + "/api/inventory/" + url.PathEscape(code)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rec, err := backoff.Retry(ctx, func() (Record, error) {
		return c.get(ctx, endpoint)
	},
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxRetries),
		backoff.WithMaxElapsedTime(c.timeout),
	)
	if err != nil {
		return Record{}, fmt.Errorf("%w: inventory %q: %w", ErrUnavailable, code, err)
	}
	return rec, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Record{}, backoff.Permanent(errors.Wrap(err, "create request"))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Record{}, errors.Wrap(err, "do request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Record{}, errors.Wrap(err, "read body")
	}

	switch {
	case resp.StatusCode >= 500:
		return Record{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Record{}, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	rec, err := decodeRecord(body)
	if err != nil {
		return Record{}, backoff.Permanent(err)
	}
	return rec, nil
}

func decodeRecord(body []byte) (Record, error) {
	var rec Record
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "code":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "code")
			}
			rec.Code = v
		case "quantity":
			v, err := d.Int64()
			if err != nil {
				return errors.Wrap(err, "quantity")
			}
			rec.Quantity = v
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return Record{}, errors.Wrap(err, "decode inventory record")
	}
	return rec, nil
}
