// Package authority is the HTTP client of the remote authority issuing
// challenges and of the allocation authority handing out fee-pool addresses.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/feepool"
	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/submission"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("unavailable")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNoActiveChallenge = errors.New("no active challenge")
	ErrNoPool            = errors.New("allocation authority not configured")
)

// Timeouts bound each kind of call.
type Timeouts struct {
	Challenge time.Duration
	Submit    time.Duration
	Rates     time.Duration
	Register  time.Duration
	Allocate  time.Duration
}

var DefaultTimeouts = Timeouts{
	Challenge: 10 * time.Second,
	Submit:    30 * time.Second,
	Rates:     10 * time.Second,
	Register:  15 * time.Second,
	Allocate:  5 * time.Second,
}

type Client struct {
	baseURL  *url.URL
	poolURL  *url.URL
	client   *retryablehttp.Client
	timeouts Timeouts
}

type newClientOptions struct {
	poolURL  string
	retryMax int
	timeouts Timeouts
}

type newClientOptionFunc func(*newClientOptions)

// WithPoolURL sets the base URL of the allocation authority.
func WithPoolURL(poolURL string) newClientOptionFunc {
	return func(o *newClientOptions) {
		o.poolURL = poolURL
	}
}

// WithRetryMax lets the transport retry failed calls. The default is zero:
// failures are reported to the caller.
func WithRetryMax(n int) newClientOptionFunc {
	return func(o *newClientOptions) {
		o.retryMax = n
	}
}

func WithTimeouts(t Timeouts) newClientOptionFunc {
	return func(o *newClientOptions) {
		o.timeouts = t
	}
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	return u, nil
}

func NewClient(baseURL string, opts ...newClientOptionFunc) (*Client, error) {
	options := newClientOptions{timeouts: DefaultTimeouts}
	for _, opt := range opts {
		opt(&options)
	}
	base, err := parseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:  base,
		client:   retryablehttp.NewClient(),
		timeouts: options.timeouts,
	}
	if options.poolURL != "" {
		if c.poolURL, err = parseURL(options.poolURL); err != nil {
			return nil, err
		}
	}
	c.client.RetryMax = options.retryMax
	c.client.Logger = nil
	// Hand the last response back instead of a generic "giving up" error.
	c.client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c, nil
}

type challengeResponse struct {
	Code      string                `json:"code"`
	Challenge *challenge.Observation `json:"challenge"`
}

// Challenge fetches the challenge currently open for submissions.
func (c *Client) Challenge(ctx context.Context) (*challenge.Observation, error) {
	var res challengeResponse
	if err := c.req(ctx, c.timeouts.Challenge, http.MethodGet, c.baseURL.JoinPath("challenge"), nil, &res); err != nil {
		return nil, fmt.Errorf("getting challenge: %w", err)
	}
	if res.Challenge == nil || (res.Code != "" && res.Code != "active") {
		return nil, fmt.Errorf("%w: status %q", ErrNoActiveChallenge, res.Code)
	}
	return res.Challenge, nil
}

type submitResponse struct {
	Receipt json.RawMessage `json:"crypto_receipt"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Submit hands a solution to the authority. A rejection by the authority is
// a result, not an error; an unreachable or failing authority is an error.
func (c *Client) Submit(ctx context.Context, address, challengeID, nonce string) (*submission.Result, error) {
	u := c.baseURL.JoinPath("solution", address, challengeID, nonce)
	var res submitResponse
	err := c.req(ctx, c.timeouts.Submit, http.MethodPost, u, struct{}{}, &res)
	var rejected *rejection
	switch {
	case errors.As(err, &rejected):
		return &submission.Result{Accepted: false, Message: rejected.message()}, nil
	case err != nil:
		return nil, fmt.Errorf("submitting solution: %w", err)
	}
	return &submission.Result{Accepted: true, Receipt: res.Receipt}, nil
}

// Rates fetches the day-indexed reward per solution.
func (c *Client) Rates(ctx context.Context) ([]float64, error) {
	var rates []float64
	if err := c.req(ctx, c.timeouts.Rates, http.MethodGet, c.baseURL.JoinPath("work_to_star_rate"), nil, &rates); err != nil {
		return nil, fmt.Errorf("getting rates: %w", err)
	}
	return rates, nil
}

// Register registers an address using a signature over the terms message.
func (c *Client) Register(ctx context.Context, address, signature, pubKey string) error {
	u := c.baseURL.JoinPath("register", address, signature, pubKey)
	if err := c.req(ctx, c.timeouts.Register, http.MethodPost, u, struct{}{}, nil); err != nil {
		return fmt.Errorf("registering %s: %w", address, err)
	}
	return nil
}

type allocateRequest struct {
	ClientID string `json:"client_id"`
}

// Allocate asks the allocation authority for one fee-pool address.
func (c *Client) Allocate(ctx context.Context, clientID string) (*feepool.Allocation, error) {
	if c.poolURL == nil {
		return nil, ErrNoPool
	}
	var res feepool.Allocation
	err := c.req(ctx, c.timeouts.Allocate, http.MethodPost, c.poolURL.JoinPath("allocate"), &allocateRequest{ClientID: clientID}, &res)
	if err != nil {
		return nil, fmt.Errorf("allocating fee address: %w", err)
	}
	if res.Address == "" {
		return nil, fmt.Errorf("%w: empty address in allocation", ErrUnavailable)
	}
	return &res, nil
}

// rejection is a 4xx answer carrying the authority's explanation.
type rejection struct {
	status string
	code   int
	body   []byte
}

func (r *rejection) Error() string {
	return fmt.Sprintf("%s: response status code: %s, body: %s", r.Unwrap(), r.status, string(r.body))
}

func (r *rejection) Unwrap() error {
	if r.code == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrInvalidRequest
}

func (r *rejection) message() string {
	var res errorResponse
	if err := json.Unmarshal(r.body, &res); err == nil {
		if res.Message != "" {
			return res.Message
		}
		if res.Error != "" {
			return res.Error
		}
	}
	if msg := strings.TrimSpace(string(r.body)); msg != "" {
		return msg
	}
	return r.status
}

func (c *Client) req(ctx context.Context, timeout time.Duration, method string, u *url.URL, reqBody, resBody any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := logging.FromContext(ctx).With(zap.String("request_id", requestID), zap.String("url", u.String()))
	res, err := c.client.Do(req)
	if err != nil {
		logger.Debug("request failed", zap.Error(err))
		return fmt.Errorf("%w: doing request: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response body: %w", ErrUnavailable, err)
	}
	logger.Debug("response", zap.Int("status", res.StatusCode), zap.Int("size", len(data)))

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return &rejection{status: res.Status, code: res.StatusCode, body: data}
	default:
		return fmt.Errorf("%w: response status code: %s, body: %s", ErrUnavailable, res.Status, string(data))
	}

	if resBody != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}
