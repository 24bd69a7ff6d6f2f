package client

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
)

// DefaultTimeout bounds one API call.
const DefaultTimeout = 30 * time.Second

// ErrUnreachable is returned when the server cannot be reached.
var ErrUnreachable = errors.New("torlab server unreachable")

// APIError is a non-2xx answer of the server.
type APIError struct {
	Status int
	Msg    string
	// Data is the data the server attached to the failure, such as the
	// result of a rejected action.
	Data json.RawMessage
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Msg, e.Status)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// envelope mirrors the JSON envelope of every answer.
type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

// listData mirrors the data of list answers.
type listData[T any] struct {
	List  []T   `json:"list"`
	Count int64 `json:"count"`
}

// Client calls the control API.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// New returns a client of the server at baseURL, e.g.
// "http://127.0.0.1:8088". A bare host:port is accepted.
func New(baseURL string, opts ...Option) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q: missing host", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server url.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// send performs a request and returns the response with a 2xx status.
// The caller closes the body.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", ErrUnreachable, c.base.Host, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiErr
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		apiErr.Msg = strings.TrimSpace(string(raw))
		return apiErr
	}
	apiErr.Msg = env.Msg
	if len(env.Data) > 0 && string(env.Data) != "null" {
		apiErr.Data = env.Data
	}
	return apiErr
}

// call performs a JSON request and decodes the envelope data into out.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response of %s %s: %w", method, path, err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data of %s %s: %w", method, path, err)
	}
	return nil
}

// list performs a GET on a list endpoint.
func list[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, int64, error) {
	var data listData[T]
	if err := c.call(ctx, http.MethodGet, path, query, nil, &data); err != nil {
		return nil, 0, err
	}
	return data.List, data.Count, nil
}

// raw performs a GET and returns the body as is.
func (c *Client) raw(ctx context.Context, path string, query url.Values, w io.Writer) (http.Header, error) {
	resp, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return resp.Header, nil
}

// Health returns the answer of /healthz.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var h map[string]string
	if err := c.call(ctx, http.MethodGet, "healthz", nil, nil, &h); err != nil {
		return nil, err
	}
	return h, nil
}
