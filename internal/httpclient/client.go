// Package httpclient is the JSON HTTP client used for the bridge and relay
// APIs. It retries network errors, 429 and 5xx responses and can dial through
// an HTTP or SOCKS5 proxy.
package httpclient

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
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// Config holds client settings
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Retries     int
	Backoff     time.Duration // first retry delay, doubled per attempt
	ProxyString string        // host:port[:user:pass[:socks5]]
}

// HTTPError is a non-2xx response
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth retrying
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RequestHook adds headers (e.g. signatures) to each outgoing attempt
type RequestHook func(req *http.Request, body []byte) error

// Client sends JSON requests to a single base URL
type Client struct {
	http    *http.Client
	baseURL string
	retries int
	backoff time.Duration
	hook    RequestHook
	logger  *zap.Logger
}

// New creates a client
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.ProxyString != "" {
		if err := configureProxy(transport, cfg.ProxyString); err != nil {
			return nil, err
		}
	}

	return &Client{
		http:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		logger:  logger.Named("http").With(zap.String("base_url", cfg.BaseURL)),
	}, nil
}

// WithHook returns a copy that runs hook on every attempt
func (c *Client) WithHook(hook RequestHook) *Client {
	cp := *c
	cp.hook = hook
	return &cp
}

// GetJSON performs GET path?query and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, target, nil, out)
}

// PostJSON posts payload as JSON and decodes the response into out
func (c *Client) PostJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, body, out)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	var lastErr error
	delay := c.backoff

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		respBody, err := c.once(ctx, method, target, body)
		if err == nil {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode response from %s: %w", target, err)
			}
			return nil
		}

		lastErr = err
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Debug("Request failed, retrying",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return lastErr
}

func (c *Client) once(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.hook != nil {
		if err := c.hook(req, body); err != nil {
			return nil, fmt.Errorf("request hook: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: truncate(string(respBody), 200)}
	}
	return respBody, nil
}

// configureProxy parses host:port[:user:pass[:type]] and installs it on transport
func configureProxy(transport *http.Transport, proxyString string) error {
	parts := strings.Split(proxyString, ":")
	if len(parts) < 2 {
		return fmt.Errorf("invalid proxy string %q", proxyString)
	}

	hostPort := net.JoinHostPort(parts[0], parts[1])
	proxyType := "http"
	var username, password string
	if len(parts) >= 4 {
		username, password = parts[2], parts[3]
		if len(parts) >= 5 {
			proxyType = strings.ToLower(parts[4])
		}
	}

	if strings.HasPrefix(proxyType, "socks") {
		var auth *proxy.Auth
		if username != "" {
			auth = &proxy.Auth{User: username, Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", hostPort, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = contextDialer.DialContext
		return nil
	}

	proxyURL := &url.URL{Scheme: "http", Host: hostPort}
	if username != "" {
		proxyURL.User = url.UserPassword(username, password)
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
