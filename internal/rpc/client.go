package rpc

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/shelly-core/internal/auth"
)

// Client defaults.
const (
	// DefaultTimeout bounds every HTTP request to a device.
	DefaultTimeout = 20 * time.Second

	// maxBodySize caps device response bodies (status payloads are a few KiB).
	maxBodySize = 1 << 20
)

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Credentials are used when a device challenges a request.
	Credentials auth.Credentials

	// Src identifies this client in JSON-RPC requests.
	Src string

	// Timeout per request. Default: DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client

	// Logger is optional.
	Logger Logger
}

// Client issues gen 1 HTTP GETs and gen 2+ HTTP JSON-RPC calls.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	http    *http.Client
	creds   auth.Credentials
	src     string
	timeout time.Duration
	logger  Logger
	nextID  atomic.Int64

	// nc counts uses of each digest nonce, keyed by realm.
	nc   map[string]int
	ncMu sync.Mutex
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Client{
		http:    httpClient,
		creds:   opts.Credentials,
		src:     opts.Src,
		timeout: timeout,
		logger:  logger,
		nc:      make(map[string]int),
	}
}

// Src returns the JSON-RPC source identity of this client.
func (c *Client) Src() string {
	return c.src
}

// WithCredentials returns a copy of the client using different credentials.
// The underlying http.Client is shared.
func (c *Client) WithCredentials(creds auth.Credentials) *Client {
	clone := NewClient(ClientOptions{
		Credentials: creds,
		Src:         c.src,
		Timeout:     c.timeout,
		HTTPClient:  c.http,
		Logger:      c.logger,
	})
	return clone
}

// GetShelly fetches the unauthenticated /shelly base information.
func (c *Client) GetShelly(ctx context.Context, host string) (map[string]any, error) {
	return c.Get(ctx, host, "/shelly", nil)
}

// Get performs a gen 1 style GET and decodes the JSON object response.
//
// On 401 the request is retried once with HTTP Basic credentials; with no
// username configured it fails with auth.ErrMissingCredentials instead.
//
// Parameters:
//   - ctx: Context for cancellation; a DefaultTimeout deadline is added
//   - host: Device address, optionally with port
//   - path: Endpoint path such as "/status" or "/relay/0"
//   - query: Optional query parameters
//
// Returns:
//   - map[string]any: Decoded body
//   - error: ErrTransport, ErrUnauthorized, ErrBadResponse or auth.ErrMissingCredentials
func (c *Client) Get(ctx context.Context, host, path string, query url.Values) (map[string]any, error) {
	u := url.URL{Scheme: "http", Host: host, Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	status, body, _, err := c.do(ctx, http.MethodGet, u.String(), nil, "")
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		basic, herr := auth.BasicHeader(c.creds)
		if herr != nil {
			return nil, herr
		}
		status, body, _, err = c.do(ctx, http.MethodGet, u.String(), nil, basic)
		if err != nil {
			return nil, err
		}
	}
	return decodeObject(status, body)
}

// Call performs a JSON-RPC call over POST /rpc and returns the result object.
//
// When the device answers 401 with a digest challenge, the request is
// resent once with an auth object computed from the challenge.
func (c *Client) Call(ctx context.Context, host, method string, params map[string]any) (map[string]any, error) {
	req := Request{
		ID:     c.nextID.Add(1),
		Src:    c.src,
		Method: method,
		Params: params,
	}
	u := url.URL{Scheme: "http", Host: host, Path: "/rpc"}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	status, respBody, header, err := c.do(ctx, http.MethodPost, u.String(), body, "")
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		ch, cerr := auth.ParseDigestChallenge(header.Get("WWW-Authenticate"))
		if cerr != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, cerr)
		}
		digest, derr := auth.DigestAuth(c.creds, ch, c.nextNC(ch.Realm), auth.NewClientNonce())
		if derr != nil {
			return nil, derr
		}
		req.Auth = &digest
		if body, err = json.Marshal(req); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		status, respBody, _, err = c.do(ctx, http.MethodPost, u.String(), body, "")
		if err != nil {
			return nil, err
		}
	}

	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, host, method)
	}

	// Gen 2+ firmware answers RPC errors with HTTP 4xx/5xx and a frame body;
	// decode the envelope first so remote errors are reported as such.
	var frame Frame
	if err := json.Unmarshal(respBody, &frame); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadResponse, method, err)
	}
	if frame.Error != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRemote, method, frame.Error)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrBadResponse, method, status)
	}
	return DecodeResult(frame.Result)
}

// nextNC returns the next nonce count for a realm.
func (c *Client) nextNC(realm string) int {
	c.ncMu.Lock()
	defer c.ncMu.Unlock()
	c.nc[realm]++
	return c.nc[realm]
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, authorization string) (int, []byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("device request failed", "url", redactURL(rawURL), "error", err)
		return 0, nil, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}
	return resp.StatusCode, data, resp.Header, nil
}

func decodeObject(status int, body []byte) (map[string]any, error) {
	if status == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, status)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: empty body", ErrBadResponse)
	}
	return out, nil
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// redactURL strips query strings so command parameters are not logged verbatim.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
