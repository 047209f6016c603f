// Package compute is the client of the hash-search service. The service tries
// a batch of nonces against a challenge and reports the first one meeting the
// difficulty.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

var ErrUnavailable = errors.New("compute service unavailable")

const DefaultTimeout = 30 * time.Second

type Request struct {
	Address     string   `json:"address"`
	ChallengeID string   `json:"challenge_id"`
	Difficulty  string   `json:"difficulty"`
	NoPreMine   string   `json:"no_pre_mine"`
	Nonces      []string `json:"nonces"`
}

type Solution struct {
	Nonce string `json:"nonce"`
	Hash  string `json:"hash"`
}

type searchResponse struct {
	Found    bool   `json:"found"`
	Nonce    string `json:"nonce"`
	Hash     string `json:"hash"`
	Searched int    `json:"searched"`
}

type Client struct {
	baseURL *url.URL
	client  *retryablehttp.Client
	timeout time.Duration
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{baseURL: u, client: client, timeout: timeout}, nil
}

// Search returns the first nonce of the batch whose hash meets the
// difficulty, or nil when none does.
func (c *Client) Search(ctx context.Context, r Request) (*Solution, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath("search").String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %w", ErrUnavailable, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: response status code: %s, body: %s", ErrUnavailable, res.Status, string(body))
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding response body: %w", err)
	}
	if !out.Found {
		return nil, nil
	}
	return &Solution{Nonce: out.Nonce, Hash: out.Hash}, nil
}
