// Package gateway speaks the Memos REST v1 API and translates every failure into the
// engine's error taxonomy. It never retries on its own.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/auth"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/metrics"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerOpenFor  = 30 * time.Second
	defaultAttachmentsCost = 4096
	maxResponseBytes       = 16 << 20
	apiPrefix              = "/api/v1"
)

var (
	errMissingBaseURL = errors.New("base url is required")
	errTokenExpired   = errors.New("access token expired")
)

// BreakerConfig tunes the circuit breaker around transport calls.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Config describes a Client.
type Config struct {
	BaseURL             string
	Token               string
	HTTPClient          *http.Client
	Timeout             time.Duration
	Breaker             BreakerConfig
	AttachmentCacheCost int64
	Clock               func() time.Time
	Logger              *zap.Logger
	Metrics             *metrics.Collector
}

// Client is the Remote Gateway backed by a Memos server.
type Client struct {
	baseURL     *url.URL
	tokenMu     sync.RWMutex
	token       string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	attachments *ristretto.Cache[string, []memos.AttachmentRef]
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Collector
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	rawURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawURL == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("gateway: unsupported scheme %q", baseURL.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cost := cfg.AttachmentCacheCost
	if cost <= 0 {
		cost = defaultAttachmentsCost
	}
	attachments, err := ristretto.NewCache(&ristretto.Config[string, []memos.AttachmentRef]{
		NumCounters:        cost * 10,
		MaxCost:            cost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: attachment cache: %w", err)
	}

	client := &Client{
		baseURL:     baseURL,
		token:       strings.TrimSpace(cfg.Token),
		httpClient:  httpClient,
		attachments: attachments,
		clock:       clock,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
	client.breaker = newBreaker(cfg.Breaker, logger, cfg.Metrics)
	return client, nil
}

func newBreaker(cfg BreakerConfig, logger *zap.Logger, collector *metrics.Collector) *gobreaker.CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultBreakerOpenFor
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memos",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			collector.BreakerTransition(to.String())
		},
		// Only transport failures count against the server; rejections prove it is up.
		IsSuccessful: func(err error) bool {
			return err == nil || !memos.IsTransient(err)
		},
	})
}

// SetToken swaps the access token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = strings.TrimSpace(token)
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Close releases the attachment cache.
func (c *Client) Close() {
	c.attachments.Close()
}

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

type request struct {
	op     string
	target string
	method string
	path   string
	query  url.Values
	body   any
	out    any
}

func (c *Client) do(ctx context.Context, req request) error {
	start := time.Now()
	defer c.metrics.ObserveGateway(req.op, start)

	token := c.currentToken()
	info, err := auth.InspectToken(token)
	if err != nil {
		return &memos.AuthError{Op: req.op, Target: req.target, Cause: err}
	}
	if info.Expired(c.clock()) {
		return &memos.AuthError{Op: req.op, Target: req.target, Cause: errTokenExpired}
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, token, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &memos.TransientError{Op: req.op, Target: req.target, Category: memos.CategoryCircuitOpen, Cause: err}
	}
	if err != nil {
		c.logger.Debug("memos request failed",
			zap.String("operation", req.op),
			zap.String("target", req.target),
			zap.String("category", memos.Category(err)),
			zap.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, token string, req request) error {
	endpoint := c.baseURL.JoinPath(apiPrefix, req.path)
	if len(req.query) > 0 {
		endpoint.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("gateway: encode %s payload: %w", req.op, err)
		}
		body = bytes.NewReader(encoded)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, req.method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("gateway: build %s request: %w", req.op, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+token)
	httpRequest.Header.Set("Accept", "application/json")
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return c.transportError(ctx, req, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return c.transportError(ctx, req, err)
	}
	if err := classifyStatus(req, response.StatusCode, payload); err != nil {
		return err
	}
	if req.out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, req.out); err != nil {
		return &memos.RemoteError{
			Op:         req.op,
			Target:     req.target,
			StatusCode: response.StatusCode,
			Message:    "malformed response: " + err.Error(),
		}
	}
	return nil
}

// transportError returns caller cancellation untouched and wraps everything else as transient.
func (c *Client) transportError(ctx context.Context, req request, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	category := memos.CategoryNetwork
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		category = memos.CategoryTimeout
	}
	return &memos.TransientError{Op: req.op, Target: req.target, Category: category, Cause: err}
}

func classifyStatus(req request, status int, payload []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	message := errorMessage(status, payload)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &memos.AuthError{Op: req.op, Target: req.target, StatusCode: status, Cause: errors.New(message)}
	case status == http.StatusTooManyRequests:
		return &memos.TransientError{
			Op:       req.op,
			Target:   req.target,
			Category: memos.CategoryRateLimited,
			Cause:    fmt.Errorf("status %d: %s", status, message),
		}
	case status == http.StatusConflict:
		return &memos.ConflictError{RemoteError: memos.RemoteError{Op: req.op, Target: req.target, StatusCode: status, Message: message}}
	default:
		return &memos.RemoteError{Op: req.op, Target: req.target, StatusCode: status, Message: message}
	}
}

func errorMessage(status int, payload []byte) string {
	var decoded errorResponse
	if err := json.Unmarshal(payload, &decoded); err == nil && decoded.Message != "" {
		return decoded.Message
	}
	return http.StatusText(status)
}
