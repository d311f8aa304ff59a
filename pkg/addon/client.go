package addon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/doingodswork/streamfusion/pkg/fetch"
	"github.com/doingodswork/streamfusion/pkg/lock"
	"github.com/doingodswork/streamfusion/pkg/stremio"
)

// Fetcher is the outbound HTTP dependency, satisfied by *fetch.Client.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// ManifestInfo is the tolerant view of an upstream manifest: only what
// fetching decisions need. Manifests in the wild declare resources either as
// plain strings or as objects with per-resource types and ID prefixes.
type ManifestInfo struct {
	ID         string
	Name       string
	Version    string
	Types      []string
	IDPrefixes []string
	Resources  []manifestResource
}

type manifestResource struct {
	name       string
	types      []string
	idPrefixes []string
}

// Supports reports whether the addon declares the resource for the given
// media type and content ID.
func (m *ManifestInfo) Supports(resource, mediaType, id string) bool {
	for _, res := range m.Resources {
		if res.name != resource {
			continue
		}
		types := res.types
		if len(types) == 0 {
			types = m.Types
		}
		if len(types) > 0 && !containsString(types, mediaType) {
			continue
		}
		prefixes := res.idPrefixes
		if len(prefixes) == 0 {
			prefixes = m.IDPrefixes
		}
		if len(prefixes) > 0 && !hasAnyPrefix(id, prefixes) {
			continue
		}
		return true
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

type ClientOptions struct {
	// ManifestCacheAge is how long resolved manifests are reused.
	ManifestCacheAge time.Duration
	// StreamResultTTL is how long a memoized upstream stream response is
	// replayed to identical fetches.
	StreamResultTTL time.Duration
	// LockGrace is added on top of the addon timeout for the distributed
	// lock TTL and the waiter timeout.
	LockGrace time.Duration
}

var DefaultClientOpts = ClientOptions{
	ManifestCacheAge: time.Hour,
	StreamResultTTL:  time.Minute,
	LockGrace:        5 * time.Second,
}

type Client struct {
	opts      ClientOptions
	fetcher   Fetcher
	locker    lock.Locker
	manifests *gocache.Cache
	// Collapses concurrent in-process manifest fetches for the same URL
	manifestGroup singleflight.Group
	logger        *zap.Logger
}

func NewClient(opts ClientOptions, fetcher Fetcher, locker lock.Locker, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	if locker == nil {
		return nil, errors.New("locker must not be nil")
	}
	if opts.ManifestCacheAge == 0 {
		return nil, errors.New("opts.ManifestCacheAge must not be 0")
	}

	return &Client{
		opts:      opts,
		fetcher:   fetcher,
		locker:    locker,
		manifests: gocache.New(opts.ManifestCacheAge, 2*opts.ManifestCacheAge),
		logger:    logger,
	}, nil
}

// Manifest resolves the addon's manifest, caching it and collapsing
// concurrent in-process fetches for the same URL.
func (c *Client) Manifest(ctx context.Context, desc Descriptor) (*ManifestInfo, error) {
	if info, found := c.manifests.Get(desc.ManifestURL); found {
		return info.(*ManifestInfo), nil
	}

	result, err, _ := c.manifestGroup.Do(desc.ManifestURL, func() (interface{}, error) {
		if info, found := c.manifests.Get(desc.ManifestURL); found {
			return info.(*ManifestInfo), nil
		}
		resp, err := c.fetcher.Do(ctx, fetch.Request{
			URL:     desc.ManifestURL,
			Timeout: desc.Timeout,
			Headers: desc.ExtraHeaders,
		})
		if err != nil {
			return nil, c.classifyFetchErr(desc, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &Error{Kind: ErrHTTP, Addon: desc.DisplayName, Status: resp.StatusCode}
		}
		info, err := parseManifest(resp.Body)
		if err != nil {
			return nil, &Error{Kind: ErrBadResponse, Addon: desc.DisplayName, Msg: err.Error()}
		}
		c.manifests.Set(desc.ManifestURL, info, gocache.DefaultExpiration)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ManifestInfo), nil
}

// parseManifest probes the body instead of strictly unmarshaling it, since
// resources come both as strings and as objects in the wild.
func parseManifest(body []byte) (*ManifestInfo, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.Get("id").Exists() || !parsed.Get("resources").Exists() {
		return nil, errors.New("no id or resources in manifest")
	}

	info := &ManifestInfo{
		ID:      parsed.Get("id").String(),
		Name:    parsed.Get("name").String(),
		Version: parsed.Get("version").String(),
	}
	for _, t := range parsed.Get("types").Array() {
		info.Types = append(info.Types, t.String())
	}
	for _, p := range parsed.Get("idPrefixes").Array() {
		info.IDPrefixes = append(info.IDPrefixes, p.String())
	}
	for _, res := range parsed.Get("resources").Array() {
		if res.Type == gjson.String {
			info.Resources = append(info.Resources, manifestResource{name: res.String()})
			continue
		}
		mr := manifestResource{name: res.Get("name").String()}
		for _, t := range res.Get("types").Array() {
			mr.types = append(mr.types, t.String())
		}
		for _, p := range res.Get("idPrefixes").Array() {
			mr.idPrefixes = append(mr.idPrefixes, p.String())
		}
		info.Resources = append(info.Resources, mr)
	}
	return info, nil
}

// StreamsRequest identifies one stream query against an addon.
type StreamsRequest struct {
	Type string
	ID   string
	// Extras is the optional pre-encoded extras slug.
	Extras string
	// ForwardIP is passed on to the addon. It's not part of the memoization
	// key, so for IP-bound upstreams the winner's IP serves all waiters.
	ForwardIP string
}

// fetchResult is the memoized payload: status and body together, so every
// waiter classifies and parses the winner's response identically.
type fetchResult struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// FetchStreams queries the addon's stream resource. Identical fetches across
// concurrent requests collapse into a single upstream call whose response is
// replayed for StreamResultTTL. A nil, nil return means the addon doesn't
// declare support for this request.
func (c *Client) FetchStreams(ctx context.Context, desc Descriptor, req StreamsRequest) ([]stremio.Stream, error) {
	info, err := c.Manifest(ctx, desc)
	if err != nil {
		return nil, err
	}
	if !info.Supports("stream", req.Type, req.ID) {
		c.logger.Debug("Addon doesn't support request, skipping",
			zap.String("addon", desc.InstanceID), zap.String("type", req.Type), zap.String("id", req.ID))
		return nil, nil
	}

	resourceURL := fmt.Sprintf("%v/stream/%v/%v.json", desc.manifestBase(), req.Type, url.PathEscape(req.ID))
	if req.Extras != "" {
		resourceURL = fmt.Sprintf("%v/stream/%v/%v/%v.json", desc.manifestBase(), req.Type, url.PathEscape(req.ID), req.Extras)
	}

	lockKey := fetchLockKey(desc.ManifestURL, "stream", req.Type, req.ID, req.Extras)
	outcome, err := c.locker.WithLock(ctx, lockKey, func(ctx context.Context) ([]byte, error) {
		resp, err := c.fetcher.Do(ctx, fetch.Request{
			URL:       resourceURL,
			Timeout:   desc.Timeout,
			Headers:   desc.ExtraHeaders,
			ForwardIP: req.ForwardIP,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(fetchResult{Status: resp.StatusCode, Body: resp.Body})
	}, lock.Options{
		TTL:       desc.Timeout + c.opts.LockGrace,
		Timeout:   desc.Timeout + c.opts.LockGrace,
		ResultTTL: c.opts.StreamResultTTL,
	})
	if err != nil {
		return nil, c.classifyFetchErr(desc, err)
	}

	var result fetchResult
	if err := json.Unmarshal(outcome.Result, &result); err != nil {
		return nil, &Error{Kind: ErrBadResponse, Addon: desc.DisplayName, Msg: err.Error()}
	}
	if result.Status != http.StatusOK {
		return nil, &Error{Kind: ErrHTTP, Addon: desc.DisplayName, Status: result.Status}
	}
	streams, err := parseStreams(result.Body, c.logger, desc.InstanceID)
	if err != nil {
		return nil, &Error{Kind: ErrBadResponse, Addon: desc.DisplayName, Msg: err.Error()}
	}
	c.logger.Debug("Fetched streams from addon",
		zap.String("addon", desc.InstanceID), zap.String("id", req.ID), zap.Int("count", len(streams)), zap.Bool("memoized", outcome.Cached))
	return streams, nil
}

// parseStreams accepts any body with a streams array and skips items that
// don't decode, so one malformed entry doesn't void an entire response.
func parseStreams(body []byte, logger *zap.Logger, instanceID string) ([]stremio.Stream, error) {
	streamsValue := gjson.GetBytes(body, "streams")
	if !streamsValue.Exists() || !streamsValue.IsArray() {
		return nil, errors.New("no streams array in response")
	}
	items := streamsValue.Array()
	streams := make([]stremio.Stream, 0, len(items))
	for i, item := range items {
		var stream stremio.Stream
		if err := json.Unmarshal([]byte(item.Raw), &stream); err != nil {
			logger.Debug("Skipping malformed stream item",
				zap.String("addon", instanceID), zap.Int("index", i), zap.Error(err))
			continue
		}
		streams = append(streams, stream)
	}
	return streams, nil
}

func (c *Client) classifyFetchErr(desc Descriptor, err error) error {
	if errors.Is(err, lock.ErrLockTimeout) || strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return &Error{Kind: ErrTimeout, Addon: desc.DisplayName}
	}
	return &Error{Kind: ErrHTTP, Addon: desc.DisplayName, Msg: err.Error()}
}

func fetchLockKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "addonfetch:" + hex.EncodeToString(sum[:])
}
