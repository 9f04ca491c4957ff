// Package fetch implements the HTTP download layer used by the queue
// consumer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/spider"
)

// maxResponseBodyBytes limits the size of fetched responses.
const maxResponseBodyBytes = 10 * 1024 * 1024 // 10 MB

// Config configures a Fetcher.
type Config struct {
	// Timeout is the default per-request timeout, overridable per request.
	Timeout time.Duration
	// MaxRetries bounds fetch attempts beyond the first.
	MaxRetries int
	// RetryDelay is the linear backoff base: delay = RetryDelay * (attempt+1).
	RetryDelay time.Duration
	// Proxy is an optional proxy URI: http://[user:pass@]host:port or
	// socks5://[user:pass@]host:port. Applies to all requests.
	Proxy string
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// defaultHeaders are the browser-like headers sent unless the request
// overrides them.
var defaultHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36" +
		" (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
}

// ErrStatus marks a terminal non-2xx response.
var ErrStatus = errors.New("unexpected http status")

// Fetcher downloads requests with retries and records a typed last error.
type Fetcher struct {
	client *http.Client
	cfg    Config
	log    logger.Logger

	mu       sync.Mutex
	lastErr  string
	lastCode int
}

// New creates a Fetcher. The proxy URI, if set, is applied to every request.
func New(cfg Config, log logger.Logger) (*Fetcher, error) {
	cfg.SetDefaults()

	transport, err := buildTransport(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		client: &http.Client{Transport: transport},
		cfg:    cfg,
		log:    log,
	}, nil
}

// buildTransport wires the optional proxy into an http.Transport.
func buildTransport(proxyURI string) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
	}
	if proxyURI == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURI)
	if err != nil {
		return nil, fmt.Errorf("parse proxy uri: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, dialErr := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if dialErr != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", dialErr)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return transport, nil
}

// LastError returns the typed description of the most recent terminal
// failure: "请求超时", "HTTP {code}", or "{type}: {msg}".
func (f *Fetcher) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Fetch downloads a request, retrying transient failures with linear
// backoff. 4xx responses are never retried. Returns nil on any terminal
// failure; cancellation is propagated as an error.
func (f *Fetcher) Fetch(ctx context.Context, req *spider.Request) (*spider.Response, error) {
	retries := req.MaxRetries
	if retries <= 0 {
		retries = f.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.cfg.RetryDelay * time.Duration(attempt+1)):
			}
		}

		resp, err := f.doOnce(ctx, req)
		if err == nil {
			f.setLastError("", resp.Status)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err

		// 4xx is permanent: record and stop immediately.
		var code int
		if isClientError(err, &code) {
			f.setLastError(fmt.Sprintf("HTTP %d", code), code)
			return nil, err
		}
	}

	f.recordTerminal(lastErr)
	return nil, lastErr
}

// doOnce performs a single attempt.
func (f *Fetcher) doOnce(ctx context.Context, req *spider.Request) (*spider.Response, error) {
	timeout := f.cfg.Timeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range defaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, &statusError{code: httpResp.StatusCode}
	}

	return &spider.Response{
		URL:      httpResp.Request.URL.String(),
		Body:     data,
		Status:   httpResp.StatusCode,
		Headers:  httpResp.Header,
		Request:  req,
		Encoding: httpResp.Header.Get("Content-Type"),
	}, nil
}

// statusError carries a non-2xx status through the retry loop.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v %d", ErrStatus, e.code)
}

func (e *statusError) Unwrap() error {
	return ErrStatus
}

// isClientError reports whether err is a 4xx status error.
func isClientError(err error, code *int) bool {
	var se *statusError
	if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
		*code = se.code
		return true
	}
	return false
}

// recordTerminal classifies the final error into the typed last-error form.
func (f *Fetcher) recordTerminal(err error) {
	if err == nil {
		return
	}

	var se *statusError
	var netErr net.Error
	switch {
	case errors.As(err, &se):
		f.setLastError(fmt.Sprintf("HTTP %d", se.code), se.code)
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		f.setLastError("请求超时", 0)
	default:
		f.setLastError(fmt.Sprintf("%T: %v", err, err), 0)
	}
}

func (f *Fetcher) setLastError(msg string, code int) {
	f.mu.Lock()
	f.lastErr = msg
	f.lastCode = code
	f.mu.Unlock()
}
