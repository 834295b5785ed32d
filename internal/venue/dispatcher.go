package venue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"venue-connector/internal/throttle"
)

// Doer is the transport seam; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher builds authenticated requests, gates them through the rate
// limiter, and classifies failures into transport and venue errors.
type Dispatcher struct {
	baseURL   string
	client    Doer
	signer    Signer
	throttler *throttle.Throttler
	log       *zap.Logger
}

type DispatcherOptions struct {
	BaseURL     string
	Signer      Signer
	Throttler   *throttle.Throttler
	HTTPTimeout time.Duration
	Client      Doer
	Logger      *zap.Logger
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url required")
	}
	if opts.Throttler == nil {
		return nil, errors.New("throttler required")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.HTTPTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		client:    client,
		signer:    opts.Signer,
		throttler: opts.Throttler,
		log:       log,
	}, nil
}

type requestConfig struct {
	limitID string
	weight  int
}

type RequestOption func(*requestConfig)

// WithLimitID overrides the throttle bucket; the default is the request path.
func WithLimitID(id string) RequestOption {
	return func(c *requestConfig) { c.limitID = id }
}

func WithWeight(weight int) RequestOption {
	return func(c *requestConfig) { c.weight = weight }
}

// Request acquires rate-limit capacity, signs if required, executes, and
// returns the raw body. Network failures come back as *TransportError;
// non-2xx venue responses come back as classified APIErrors.
func (d *Dispatcher) Request(ctx context.Context, method, path string, params url.Values, authRequired bool, opts ...RequestOption) ([]byte, error) {
	cfg := requestConfig{limitID: path, weight: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := d.throttler.AcquireWeight(ctx, cfg.limitID, cfg.weight); err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	if authRequired {
		if d.signer == nil {
			return nil, errors.New("signer required for authenticated request")
		}
		params = d.signer.Sign(params)
	}

	var (
		req *http.Request
		err error
	)
	urlStr := d.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if authRequired {
		req.Header.Set("X-MBX-APIKEY", d.signer.APIKey())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode/100 != 2 {
		apiErr := parseAPIError(resp.StatusCode, body)
		d.log.Debug("venue request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(apiErr),
		)
		return nil, apiErr
	}
	return body, nil
}
