package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stocktracker/mailqueue/pkg/version"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	http *resty.Client
}

type Option func(*Client) error

func New(opts ...Option) (*Client, error) {
	c := &Client{
		http: resty.New().
			SetTimeout(defaultTimeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", version.UserAgent()),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.http.BaseURL == "" {
		return nil, errors.New("server is required")
	}
	return c, nil
}

func WithServer(server string) Option {
	return func(c *Client) error {
		if server == "" {
			return errors.New("server is required")
		}
		parsed, err := url.Parse(server)
		if err != nil {
			return fmt.Errorf("invalid server: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("invalid server %q: scheme must be http or https", server)
		}
		c.http.SetBaseURL(strings.TrimRight(parsed.String(), "/"))
		return nil
	}
}

func WithToken(token string) Option {
	return func(c *Client) error {
		if token != "" {
			c.http.SetAuthToken(token)
		}
		return nil
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout > 0 {
			c.http.SetTimeout(timeout)
		}
		return nil
	}
}

// WithRetries retries idempotent requests that failed with a network error, 429
// or a 5xx response.
func WithRetries(count int, wait time.Duration) Option {
	return func(c *Client) error {
		c.http.
			SetRetryCount(count).
			SetRetryWaitTime(wait).
			SetRetryMaxWaitTime(10 * wait).
			AddRetryCondition(func(resp *resty.Response, err error) bool {
				if resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
					return false
				}
				if err != nil {
					return true
				}
				return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
			})
		return nil
	}
}

func WithTLSConfig(caFile string, insecureSkipTLSVerify bool) Option {
	return func(c *Client) error {
		tlsConfig, err := loadTLSConfig(caFile, insecureSkipTLSVerify)
		if err != nil {
			return err
		}
		c.http.SetTLSClientConfig(tlsConfig)
		return nil
	}
}

func loadTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure} //nolint:gosec // explicit operator opt-in
	if caFile == "" {
		return tlsConfig, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(data); !ok {
		return nil, errors.New("failed to parse CA file")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	req := c.http.R().SetContext(ctx).SetError(&apiError{})
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *resty.Response) error {
	httpErr := &HTTPError{StatusCode: resp.StatusCode()}
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr != nil {
		httpErr.Message = strings.TrimSpace(apiErr.Error)
		httpErr.Code = apiErr.Code
		httpErr.Details = apiErr.Details
	}
	if httpErr.Message == "" {
		httpErr.Message = strings.TrimSpace(string(resp.Body()))
	}
	if httpErr.Message == "" {
		httpErr.Message = resp.Status()
	}
	return httpErr
}

// HTTPError is returned for every response with status >= 400.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *HTTPError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("request failed (%d): %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
