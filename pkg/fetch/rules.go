package fetch

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"
)

// ProxyRule routes hosts matching Glob through ProxyURLs[ProxyIndex].
// A ProxyIndex of -1 forces a direct connection.
type ProxyRule struct {
	// Glob is "*" for all hosts, "*.suffix" for subdomains of suffix, or an
	// exact hostname.
	Glob       string
	ProxyIndex int
}

// ParseProxyRules parses a comma-separated "glob:value" list, where value is
// a proxy index, "true" (proxy 0) or "false" (direct). For example
// "*:true,comet.elfhosted.com:false,*.strem.fun:1".
func ParseProxyRules(config string, proxyCount int) ([]ProxyRule, error) {
	if config == "" {
		return nil, nil
	}
	parts := strings.Split(config, ",")
	rules := make([]ProxyRule, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		colonIndex := strings.LastIndex(part, ":")
		if colonIndex <= 0 || colonIndex == len(part)-1 {
			return nil, fmt.Errorf("proxy rule %q must have a format like \"*.example.com:false\"", part)
		}
		glob, value := part[:colonIndex], part[colonIndex+1:]
		var index int
		switch value {
		case "false":
			index = -1
		case "true":
			index = 0
		default:
			var err error
			if index, err = strconv.Atoi(value); err != nil || index < 0 {
				return nil, fmt.Errorf("proxy rule %q must end in a proxy index, \"true\" or \"false\"", part)
			}
		}
		if index >= proxyCount {
			return nil, fmt.Errorf("proxy rule %q references proxy %d, but only %d proxies are configured", part, index, proxyCount)
		}
		rules = append(rules, ProxyRule{Glob: glob, ProxyIndex: index})
	}
	return rules, nil
}

// ParseURLMappings parses a comma-separated "fromPrefix=toPrefix" list, for
// example "https://api.example.com=http://10.0.0.5:8080".
func ParseURLMappings(config string) (map[string]string, error) {
	if config == "" {
		return nil, nil
	}
	mappings := make(map[string]string)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		pair := strings.SplitN(part, "=", 2)
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			return nil, fmt.Errorf("URL mapping %q must have a format like \"https://public.example.com=http://10.0.0.5:8080\"", part)
		}
		mappings[pair[0]] = pair[1]
	}
	return mappings, nil
}

// ParseUserAgentOverrides parses a comma-separated "hostname:agent" list.
// Note that this means the agent values themselves can't contain commas.
func ParseUserAgentOverrides(config string) (map[string]string, error) {
	if config == "" {
		return nil, nil
	}
	overrides := make(map[string]string)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		pair := strings.SplitN(part, ":", 2)
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			return nil, fmt.Errorf("User-Agent override %q must have a format like \"api.example.com:Mozilla/5.0\"", part)
		}
		overrides[pair[0]] = pair[1]
	}
	return overrides, nil
}

func matchHostGlob(glob, host string) bool {
	if glob == "*" {
		return true
	}
	if strings.HasPrefix(glob, "*.") {
		return strings.HasSuffix(host, glob[1:])
	}
	return glob == host
}

// proxyIndexFor returns the ProxyURLs index to use for a host, or -1 for a
// direct connection. Rules are evaluated in order and the last match wins;
// with no matching rule all hosts go through proxy 0 if one is configured.
func (c *Client) proxyIndexFor(host string) int {
	selected := -1
	if len(c.opts.ProxyURLs) > 0 {
		selected = 0
	}
	for _, rule := range c.opts.ProxyRules {
		if matchHostGlob(rule.Glob, host) {
			selected = rule.ProxyIndex
		}
	}
	return selected
}

func parseProxyURL(rawURL string) (*url.URL, error) {
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse proxy URL: %v", err)
	}
	switch proxyURL.Scheme {
	case "http", "https", "socks5", "socks5h":
		return proxyURL, nil
	default:
		return nil, fmt.Errorf("proxy URL %q has unsupported scheme %q", rawURL, proxyURL.Scheme)
	}
}

// clientFor returns the http.Client for a proxy index, building it on first
// use. Index -1 is the direct client.
func (c *Client) clientFor(proxyIndex int) (*http.Client, error) {
	if proxyIndex < 0 {
		return c.direct, nil
	}
	c.proxyClientsMu.Lock()
	defer c.proxyClientsMu.Unlock()
	if client := c.proxyClients[proxyIndex]; client != nil {
		return client, nil
	}

	proxyURL, err := parseProxyURL(c.opts.ProxyURLs[proxyIndex])
	if err != nil {
		return nil, err
	}
	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if user := proxyURL.User; user != nil {
			password, _ := user.Password()
			auth = &proxy.Auth{User: user.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create SOCKS5 dialer: %v", err)
		}
		transport = &http.Transport{Dial: dialer.Dial}
	default:
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("Couldn't create cookie jar: %v", err)
	}
	client := &http.Client{
		Transport: transport,
		Jar:       jar,
	}
	c.proxyClients[proxyIndex] = client
	c.logger.Debug("Created proxy HTTP client", zap.Int("proxyIndex", proxyIndex), zap.String("scheme", proxyURL.Scheme))
	return client, nil
}
