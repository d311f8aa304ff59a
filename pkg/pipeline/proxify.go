package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doingodswork/streamfusion/pkg/stream"
)

// ProxyOptions configure playback proxying. Nil ProxiedAddons or
// ProxiedServices mean "all"; an explicit empty list means "none".
type ProxyOptions struct {
	Enabled         bool     `json:"enabled,omitempty"`
	URL             string   `json:"url,omitempty"`
	Credentials     string   `json:"credentials,omitempty"`
	ProxiedAddons   []string `json:"proxiedAddons,omitempty"`
	ProxiedServices []string `json:"proxiedServices,omitempty"`
	// ExpirySeconds bounds the signed URL's validity; zero means 24h.
	ExpirySeconds int64 `json:"expirySeconds,omitempty"`
}

const defaultProxyExpiry = 24 * time.Hour

type proxifier struct {
	opts ProxyOptions
	now  func() time.Time
}

func newProxifier(opts ProxyOptions) *proxifier {
	return &proxifier{opts: opts, now: time.Now}
}

// apply rewrites eligible stream URLs through the proxy. Types external,
// youtube and error are never proxified.
func (p *proxifier) apply(streams []*stream.Stream) []*stream.Stream {
	if !p.opts.Enabled || p.opts.URL == "" {
		return streams
	}
	for _, s := range streams {
		if !p.eligible(s) {
			continue
		}
		s.URL = p.signedURL(s)
		s.Proxied = true
	}
	return streams
}

func (p *proxifier) eligible(s *stream.Stream) bool {
	switch s.Type {
	case stream.TypeExternal, stream.TypeYoutube, stream.TypeError, stream.TypeStatistic:
		return false
	}
	if s.URL == "" || s.Proxied {
		return false
	}
	if p.opts.ProxiedAddons == nil && p.opts.ProxiedServices == nil {
		return true
	}
	if p.opts.ProxiedAddons != nil && s.Addon != nil && containsFold(p.opts.ProxiedAddons, s.Addon.InstanceID) {
		return true
	}
	return p.opts.ProxiedServices != nil && s.Service != nil &&
		containsFold(p.opts.ProxiedServices, string(s.Service.ID))
}

// signedURL builds {proxy}/proxy/{base64url(streamURL)}/{filename}?exp=..&sig=..
// with an HMAC-SHA256 signature over "payload|exp". Proxy request/response
// headers ride along as base64 JSON in h and rh.
func (p *proxifier) signedURL(s *stream.Stream) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(s.URL))

	validity := defaultProxyExpiry
	if p.opts.ExpirySeconds > 0 {
		validity = time.Duration(p.opts.ExpirySeconds) * time.Second
	}
	exp := strconv.FormatInt(p.now().Add(validity).Unix(), 10)

	mac := hmac.New(sha256.New, []byte(p.opts.Credentials))
	mac.Write([]byte(payload + "|" + exp))
	sig := hex.EncodeToString(mac.Sum(nil))

	filename := s.Filename
	if filename == "" {
		filename = "stream"
	}

	query := url.Values{}
	query.Set("exp", exp)
	query.Set("sig", sig)
	if s.ProxyHeaders != nil {
		if len(s.ProxyHeaders.Request) > 0 {
			if raw, err := json.Marshal(s.ProxyHeaders.Request); err == nil {
				query.Set("h", base64.RawURLEncoding.EncodeToString(raw))
			}
		}
		if len(s.ProxyHeaders.Response) > 0 {
			if raw, err := json.Marshal(s.ProxyHeaders.Response); err == nil {
				query.Set("rh", base64.RawURLEncoding.EncodeToString(raw))
			}
		}
	}

	base := strings.TrimSuffix(p.opts.URL, "/")
	return base + "/proxy/" + payload + "/" + url.PathEscape(filename) + "?" + query.Encode()
}
