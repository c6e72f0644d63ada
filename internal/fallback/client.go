package fallback

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
	"github.com/rs/zerolog"

	"github.com/MrEthical07/authgate/autherr"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// RequestIDHeader carries the correlation ID of every fallback request.
const RequestIDHeader = "X-Request-ID"

// ErrBadBaseURL is returned by NewClient for unusable base URLs.
var ErrBadBaseURL = errors.New("fallback: base URL must be an absolute http(s) URL")

// Client is a JSON-over-HTTP client bound to one base URL.
type Client struct {
	base      *url.URL
	http      *http.Client
	log       zerolog.Logger
	requestID func(context.Context) string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default tuned *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// WithRequestIDFunc sets how request IDs are derived from a context. An
// empty result falls back to a random UUID.
func WithRequestIDFunc(fn func(context.Context) string) ClientOption {
	return func(c *Client) {
		c.requestID = fn
	}
}

// NewClient builds a Client. timeout bounds each request when the default
// HTTP client is used.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrBadBaseURL
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: timeout, Transport: transport},
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Get issues GET path and decodes the response into out (which may be nil).
func (c *Client) Get(ctx context.Context, path, bearer string, out any) error {
	return c.do(ctx, http.MethodGet, path, bearer, nil, out)
}

// Post issues POST path with body in.
func (c *Client) Post(ctx context.Context, path, bearer string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, bearer, in, out)
}

// Patch issues PATCH path with body in.
func (c *Client) Patch(ctx context.Context, path, bearer string, in, out any) error {
	return c.do(ctx, http.MethodPatch, path, bearer, in, out)
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return autherr.Wrap(autherr.CodeValidation, "request body not encodable", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return autherr.Wrap(autherr.CodeProviderUnavailable, "fallback request not buildable", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rid := ""
	if c.requestID != nil {
		rid = c.requestID(ctx)
	}
	if rid == "" {
		rid = uuid.NewString()
	}
	req.Header.Set(RequestIDHeader, rid)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return autherr.From(ctx.Err())
		}
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Str("request_id", rid).Msg("fallback request failed")
		return autherr.Wrap(autherr.CodeProviderUnavailable, "fallback unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return autherr.Wrap(autherr.CodeProviderUnavailable, "fallback response truncated", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Str("request_id", rid).
		Msg("fallback request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return autherr.Wrap(autherr.CodeProviderUnavailable, "fallback response not decodable", err)
	}
	return nil
}

func (c *Client) resolve(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

// errorBody accepts the common error envelopes:
//
//	{"code": "...", "message": "..."}
//	{"error": "...", "message": "..."}
//	{"error": {"code": "...", "message": "..."}}
type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

func decodeError(status int, data []byte) *autherr.Error {
	var eb errorBody
	code, message := "", ""
	if json.Unmarshal(data, &eb) == nil {
		code, message = eb.Code, eb.Message
		if len(eb.Error) > 0 {
			var s string
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			switch {
			case json.Unmarshal(eb.Error, &s) == nil:
				if code == "" {
					code = s
				}
			case json.Unmarshal(eb.Error, &nested) == nil:
				if code == "" {
					code = nested.Code
				}
				if message == "" {
					message = nested.Message
				}
			}
		}
	}
	if message == "" && code == "" {
		message = http.StatusText(status)
	}
	e := autherr.FromStatus(status, code, message)
	e.Err = fmt.Errorf("fallback returned status %d", status)
	return e
}
