package ruckus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// HTTPClient talks to a cloud controller region over REST. Transient
// failures retry with exponential backoff; a circuit breaker sheds load
// when the upstream is persistently failing.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *semaphore.Weighted
	logger     *slog.Logger

	retryAttempts int
	retryBase     time.Duration
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets the underlying http.Client (connection pool).
func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithRetry sets the retry attempts and backoff base for transient errors.
func WithRetry(attempts int, base time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.retryAttempts = attempts
		c.retryBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) { c.logger = logger }
}

// WithConcurrencyLimit bounds in-flight requests, enforcing the per-tenant
// upstream rate limit. Zero or negative means unbounded.
func WithConcurrencyLimit(n int) HTTPClientOption {
	return func(c *HTTPClient) {
		if n > 0 {
			c.limiter = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewHTTPClient creates a controller client for one region.
func NewHTTPClient(baseURL, token string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
			},
		},
		logger:        slog.Default(),
		retryAttempts: 3,
		retryBase:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ruckus-" + c.baseURL,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("upstream circuit state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// do issues one JSON request through the breaker with retry on transient
// errors. A nil out skips response decoding.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.retryBase
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doOnce(ctx, method, path, payload, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("upstream request failed, retrying",
			"method", method, "path", path, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire request slot: %w", err)
		}
		defer c.limiter.Release(1)
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
		}
	}
	return nil
}

// activityResponse is the shape of async-operation responses.
type activityResponse struct {
	RequestID string `json:"requestId"`
}

func (c *HTTPClient) ListAPs(ctx context.Context, venueID string) ([]AP, error) {
	var out []AP
	err := c.do(ctx, http.MethodGet, "/venues/"+url.PathEscape(venueID)+"/aps", nil, &out)
	return out, err
}

func (c *HTTPClient) ListAPGroups(ctx context.Context, venueID string) ([]APGroup, error) {
	var out []APGroup
	err := c.do(ctx, http.MethodGet, "/venues/"+url.PathEscape(venueID)+"/apGroups", nil, &out)
	return out, err
}

func (c *HTTPClient) CreateAPGroup(ctx context.Context, venueID, name string) (*APGroup, error) {
	var out APGroup
	err := c.do(ctx, http.MethodPost, "/venues/"+url.PathEscape(venueID)+"/apGroups",
		map[string]string{"name": name}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteAPGroup(ctx context.Context, venueID, groupID string) error {
	return c.do(ctx, http.MethodDelete,
		"/venues/"+url.PathEscape(venueID)+"/apGroups/"+url.PathEscape(groupID), nil, nil)
}

func (c *HTTPClient) AssignAP(ctx context.Context, venueID, groupID, serial string) (string, error) {
	var out activityResponse
	err := c.do(ctx, http.MethodPut,
		"/venues/"+url.PathEscape(venueID)+"/apGroups/"+url.PathEscape(groupID)+"/aps/"+url.PathEscape(serial),
		nil, &out)
	return out.RequestID, err
}

func (c *HTTPClient) ListNetworks(ctx context.Context, venueID string) ([]WifiNetwork, error) {
	var out []WifiNetwork
	err := c.do(ctx, http.MethodGet, "/venues/"+url.PathEscape(venueID)+"/wifiNetworks", nil, &out)
	return out, err
}

func (c *HTTPClient) CreateNetwork(ctx context.Context, venueID string, req CreateNetworkRequest) (*WifiNetwork, error) {
	var out WifiNetwork
	err := c.do(ctx, http.MethodPost, "/venues/"+url.PathEscape(venueID)+"/wifiNetworks", req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteNetwork(ctx context.Context, venueID, networkID string) error {
	return c.do(ctx, http.MethodDelete,
		"/venues/"+url.PathEscape(venueID)+"/wifiNetworks/"+url.PathEscape(networkID), nil, nil)
}

func (c *HTTPClient) ActivateNetwork(ctx context.Context, venueID, networkID, groupID string) (string, error) {
	var out activityResponse
	err := c.do(ctx, http.MethodPost,
		"/venues/"+url.PathEscape(venueID)+"/wifiNetworks/"+url.PathEscape(networkID)+"/activations",
		map[string]string{"apGroupId": groupID}, &out)
	return out.RequestID, err
}

func (c *HTTPClient) ListDpskPools(ctx context.Context, venueID string) ([]DpskPool, error) {
	var out []DpskPool
	err := c.do(ctx, http.MethodGet, "/venues/"+url.PathEscape(venueID)+"/dpskPools", nil, &out)
	return out, err
}

func (c *HTTPClient) CreateDpskPool(ctx context.Context, venueID, name, networkID string) (*DpskPool, error) {
	var out DpskPool
	err := c.do(ctx, http.MethodPost, "/venues/"+url.PathEscape(venueID)+"/dpskPools",
		map[string]string{"name": name, "networkId": networkID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateDpskPassphrase(ctx context.Context, poolID string, p DpskPassphrase) (*DpskPassphrase, error) {
	var out DpskPassphrase
	err := c.do(ctx, http.MethodPost, "/dpskPools/"+url.PathEscape(poolID)+"/passphrases", p, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SetAPGroupVLAN(ctx context.Context, venueID, groupID string, vlanID int) error {
	return c.do(ctx, http.MethodPut,
		"/venues/"+url.PathEscape(venueID)+"/apGroups/"+url.PathEscape(groupID)+"/vlan",
		map[string]int{"vlanId": vlanID}, nil)
}

func (c *HTTPClient) Activities(ctx context.Context, ids []string) ([]ActivityStatus, error) {
	var out []ActivityStatus
	err := c.do(ctx, http.MethodPost, "/activities/query", map[string][]string{"ids": ids}, &out)
	return out, err
}

var _ Client = (*HTTPClient)(nil)
