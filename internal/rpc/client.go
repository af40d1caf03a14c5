// Package rpc is the controller's client for the node daemon control protocol.
package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
)

const defaultTimeout = 5 * time.Second

type Options struct {
	// BaseURL is scheme://host:port of the daemon.
	BaseURL      string
	// Timeout bounds Check when it is called without one. Other calls are
	// bounded only by their context.
	Timeout      time.Duration
	AuthUser     string
	AuthPassword string
	// CACertPath, when set, is trusted as the daemon's certificate authority.
	CACertPath string
}

// Client talks to one daemon endpoint. It is safe for concurrent use; SetTLS
// swaps the transport in place.
type Client struct {
	mu           sync.RWMutex
	baseURL      *url.URL
	httpClient   *http.Client
	authUser     string
	authPassword string
	timeout      time.Duration
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse daemon url %q: %w", opts.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("daemon url %q: unsupported scheme %q", opts.BaseURL, u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	c := &Client{
		baseURL:      u,
		authUser:     opts.AuthUser,
		authPassword: opts.AuthPassword,
		timeout:      opts.Timeout,
	}
	hc, err := newHTTPClient(u.Scheme == "https", opts.CACertPath)
	if err != nil {
		return nil, err
	}
	c.httpClient = hc
	return c, nil
}

func newHTTPClient(useHTTPS bool, caCertPath string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if useHTTPS && caCertPath != "" {
		pem, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caCertPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{Transport: transport}, nil
}

// BaseURL returns the current endpoint, including the scheme chosen by SetTLS.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL.String()
}

// SetTLS switches the client between http and https for the same host and
// reloads the trusted certificate. Idle connections of the old transport are
// dropped.
func (c *Client) SetTLS(useHTTPS bool, caCertPath string) error {
	hc, err := newHTTPClient(useHTTPS, caCertPath)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.httpClient
	u := *c.baseURL
	if useHTTPS {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	c.baseURL = &u
	c.httpClient = hc
	c.mu.Unlock()

	old.CloseIdleConnections()
	return nil
}

func (c *Client) SetAuth(user, password string) {
	c.mu.Lock()
	c.authUser, c.authPassword = user, password
	c.mu.Unlock()
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.mu.RLock()
	hc := c.httpClient
	c.mu.RUnlock()
	hc.CloseIdleConnections()
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	c.mu.RLock()
	u := *c.baseURL
	hc := c.httpClient
	user, pass := c.authUser, c.authPassword
	c.mu.RUnlock()

	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" && pass != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return &clerrors.ConnectivityError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(data))
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &clerrors.DaemonError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &clerrors.ConnectivityError{Op: method + " " + path, Err: err}
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &clerrors.ConnectivityError{Op: method + " " + path, Err: err}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var de *clerrors.DaemonError
	return errors.As(err, &de) && de.StatusCode == http.StatusNotFound
}

// Check is the liveness probe. It is bounded by timeout, or by the client's
// Timeout when timeout is zero.
func (c *Client) Check(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.doRequest(ctx, http.MethodGet, "/check", nil, nil, nil)
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.doRequest(ctx, http.MethodGet, "/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Get returns the object stored under key. A missing key yields
// *errors.KeyNotFoundError.
func (c *Client) Get(ctx context.Context, key, env string) ([]byte, error) {
	q := url.Values{"key": {key}}
	if env != "" {
		q.Set("env", env)
	}
	var resp ObjectResponse
	if err := c.doRequest(ctx, http.MethodGet, "/object", q, nil, &resp); err != nil {
		if isNotFound(err) {
			return nil, &clerrors.KeyNotFoundError{Key: key, Env: env}
		}
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Put(ctx context.Context, key string, data []byte, env string) error {
	return c.doRequest(ctx, http.MethodPost, "/object", nil, PutRequest{Key: key, Data: data, Env: env}, nil)
}

func (c *Client) Delete(ctx context.Context, keys []string, env string) error {
	return c.doRequest(ctx, http.MethodPost, "/object/delete", nil, DeleteRequest{Keys: keys, Env: env}, nil)
}

func (c *Client) Keys(ctx context.Context, env string) ([]string, error) {
	var q url.Values
	if env != "" {
		q = url.Values{"env": {env}}
	}
	var resp KeysResponse
	if err := c.doRequest(ctx, http.MethodGet, "/keys", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) Clear(ctx context.Context, env string) error {
	return c.doRequest(ctx, http.MethodPost, "/keys/clear", nil, ClearRequest{Env: env}, nil)
}

func (c *Client) Rename(ctx context.Context, oldKey, newKey, env string) error {
	err := c.doRequest(ctx, http.MethodPost, "/rename", nil, RenameRequest{Key: oldKey, NewKey: newKey, Env: env}, nil)
	if isNotFound(err) {
		return &clerrors.KeyNotFoundError{Key: oldKey, Env: env}
	}
	return err
}

func (c *Client) SetSettings(ctx context.Context, req SettingsRequest) error {
	return c.doRequest(ctx, http.MethodPost, "/settings", nil, req, nil)
}

// GetCert downloads the daemon's PEM certificate.
func (c *Client) GetCert(ctx context.Context) ([]byte, error) {
	var pem []byte
	if err := c.doRequest(ctx, http.MethodGet, "/cert", nil, nil, &pem); err != nil {
		return nil, err
	}
	return pem, nil
}

// CallModuleMethod invokes module.method on the daemon.
func (c *Client) CallModuleMethod(ctx context.Context, module, method string, req CallRequest) (*CallResponse, error) {
	path := "/call/" + url.PathEscape(module) + "/" + url.PathEscape(method)
	var resp CallResponse
	if err := c.doRequest(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
