// Package fetch is the single outbound HTTP layer. Every upstream call goes
// through it so that URL rewrites, per-host proxy selection, User-Agent
// overrides, IP forwarding and the recursion guard apply uniformly.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// ErrRecursiveRequest is returned when the same (URL, forward IP) pair is
// fetched more often within the recursion window than the configured limit
// allows. This catches addon chains that point back at this service.
var ErrRecursiveRequest = errors.New("possible recursive request")

// Request describes one outbound call.
type Request struct {
	URL    string
	Method string
	// Timeout overrides the client's default timeout when non-zero.
	Timeout time.Duration
	Headers map[string]string
	Body    []byte
	// ForwardIP is the requesting client's IP. When set it's passed on via
	// X-Forwarded-For, X-Client-IP and X-Real-IP and becomes part of the
	// recursion guard key.
	ForwardIP string
	// IgnoreRecursion bypasses the recursion guard for this call.
	IgnoreRecursion bool
}

// Response is the fully read upstream response. Status codes are never
// turned into errors here - callers decide what a 4xx/5xx means for them.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type ClientOptions struct {
	// Timeout is the default per-request timeout.
	Timeout time.Duration
	// URLMappings rewrite outgoing URLs by longest prefix match before
	// dispatch, typically the public base URL onto an internal one so
	// self-requests don't re-enter the external front door.
	URLMappings map[string]string
	// ProxyURLs are the outbound proxies addressable from ProxyRules.
	// Supported schemes: http, https, socks5, socks5h.
	ProxyURLs []string
	// ProxyRules select a proxy per hostname; the last matching rule wins.
	// Without any matching rule, proxy 0 is used if ProxyURLs is non-empty.
	ProxyRules []ProxyRule
	// UserAgentOverrides maps a hostname to the User-Agent to send it.
	UserAgentOverrides map[string]string
	// UserAgent is sent when no override matches and the caller set none.
	UserAgent string
	// RecursionLimit is the max number of calls for the same (URL, forward
	// IP) within RecursionWindow. 0 disables the guard.
	RecursionLimit  int
	RecursionWindow time.Duration
	// RetryAttempts is the total number of tries for transient network
	// errors. HTTP responses of any status count as success here.
	RetryAttempts int
}

var DefaultClientOpts = ClientOptions{
	Timeout:         10 * time.Second,
	RecursionLimit:  5,
	RecursionWindow: 5 * time.Second,
	RetryAttempts:   3,
}

type Client struct {
	opts   ClientOptions
	direct *http.Client
	// Lazily built, one per ProxyURLs entry
	proxyClients   []*http.Client
	proxyClientsMu sync.Mutex
	recursion      *gocache.Cache
	logger         *zap.Logger
}

func NewClient(opts ClientOptions, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if opts.Timeout == 0 {
		return nil, errors.New("opts.Timeout must not be 0")
	}
	if opts.RetryAttempts < 1 {
		return nil, errors.New("opts.RetryAttempts must be at least 1")
	}
	if opts.RecursionLimit > 0 && opts.RecursionWindow == 0 {
		return nil, errors.New("opts.RecursionWindow must not be 0 when the recursion guard is enabled")
	}
	for _, proxyURL := range opts.ProxyURLs {
		if _, err := parseProxyURL(proxyURL); err != nil {
			return nil, err
		}
	}
	for _, rule := range opts.ProxyRules {
		if rule.ProxyIndex >= len(opts.ProxyURLs) {
			return nil, fmt.Errorf("proxy rule %q references proxy %d, but only %d proxies are configured", rule.Glob, rule.ProxyIndex, len(opts.ProxyURLs))
		}
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("Couldn't create cookie jar: %v", err)
	}

	var recursion *gocache.Cache
	if opts.RecursionLimit > 0 {
		recursion = gocache.New(opts.RecursionWindow, 2*opts.RecursionWindow)
	}

	return &Client{
		opts:         opts,
		direct:       &http.Client{Jar: jar},
		proxyClients: make([]*http.Client, len(opts.ProxyURLs)),
		recursion:    recursion,
		logger:       logger,
	}, nil
}

// Do performs the request and reads the response body in full. Transient
// network errors are retried with exponential backoff; responses with an
// HTTP status are returned as-is, including 429 and 5xx.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.opts.Timeout
	}

	if !req.IgnoreRecursion && c.recursion != nil {
		if err := c.guardRecursion(req.URL, req.ForwardIP); err != nil {
			return nil, err
		}
	}

	targetURL := c.rewriteURL(req.URL)
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse request URL: %v", err)
	}
	httpClient, err := c.clientFor(c.proxyIndexFor(parsedURL.Hostname()))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *Response
	retryErr := retry.Do(
		func() error {
			httpReq, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(req.Body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("Couldn't create request: %v", err))
			}
			for k, v := range req.Headers {
				httpReq.Header.Set(k, v)
			}
			if ua, found := c.opts.UserAgentOverrides[parsedURL.Hostname()]; found {
				httpReq.Header.Set("User-Agent", ua)
			} else if c.opts.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
				httpReq.Header.Set("User-Agent", c.opts.UserAgent)
			}
			if req.ForwardIP != "" {
				httpReq.Header.Set("X-Forwarded-For", req.ForwardIP)
				httpReq.Header.Set("X-Client-IP", req.ForwardIP)
				httpReq.Header.Set("X-Real-IP", req.ForwardIP)
			}

			httpResp, err := httpClient.Do(httpReq)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
				return err
			}
			defer httpResp.Body.Close()
			body, err := io.ReadAll(httpResp.Body)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
				// A partial response is as transient as a failed dial
				return err
			}
			resp = &Response{
				StatusCode: httpResp.StatusCode,
				Header:     httpResp.Header,
				Body:       body,
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.opts.RetryAttempts)),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if retryErr != nil {
		return nil, fmt.Errorf("Couldn't fetch %v: %v", req.URL, retryErr)
	}
	return resp, nil
}

// rewriteURL applies the longest matching URL mapping prefix.
func (c *Client) rewriteURL(rawURL string) string {
	longestFrom := ""
	for from := range c.opts.URLMappings {
		if strings.HasPrefix(rawURL, from) && len(from) > len(longestFrom) {
			longestFrom = from
		}
	}
	if longestFrom == "" {
		return rawURL
	}
	rewritten := c.opts.URLMappings[longestFrom] + strings.TrimPrefix(rawURL, longestFrom)
	c.logger.Debug("Rewrote request URL", zap.String("from", rawURL), zap.String("to", rewritten))
	return rewritten
}

func (c *Client) guardRecursion(rawURL, forwardIP string) error {
	key := rawURL + "|" + forwardIP
	count := 1
	if err := c.recursion.Add(key, 1, gocache.DefaultExpiration); err != nil {
		var incErr error
		if count, incErr = c.recursion.IncrementInt(key, 1); incErr != nil {
			// Expired between Add and Increment, start a fresh window
			c.recursion.Set(key, 1, gocache.DefaultExpiration)
			count = 1
		}
	}
	if count > c.opts.RecursionLimit {
		c.logger.Warn("Blocked possibly recursive request", zap.String("url", rawURL), zap.String("forwardIP", forwardIP), zap.Int("count", count))
		return fmt.Errorf("%w: %d requests for %q within %v", ErrRecursiveRequest, count, rawURL, c.opts.RecursionWindow)
	}
	return nil
}
