// Package aggregator is the per-request orchestrator: it resolves the user's
// addons into fetch groups, fans out to the upstreams, enriches and
// post-processes the streams and hands back the final wire list. Debrid
// playback is never resolved here; eligible streams get opaque /playback
// URLs that defer the service work to click time.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/expression"
	"github.com/doingodswork/streamfusion/pkg/metadata"
	"github.com/doingodswork/streamfusion/pkg/pipeline"
	"github.com/doingodswork/streamfusion/pkg/stream"
	"github.com/doingodswork/streamfusion/pkg/stremio"
)

const resourceStream = "stream"

type Options struct {
	// BaseURL is the public base of this deployment, used to mint playback
	// URLs.
	BaseURL string
	// MaxConcurrentFetches bounds the provider fan-out.
	MaxConcurrentFetches int
	// MaxGroups, MaxStreamExpressions and MaxKeywords cap what a config may
	// contain. Zero means unlimited.
	MaxGroups            int
	MaxStreamExpressions int
	MaxKeywords          int
	// RegexPolicy governs which regex filters user configs may carry.
	RegexPolicy pipeline.RegexPolicy
	// AddonName is what {config.addonName} renders to in format templates.
	AddonName string
}

var DefaultOpts = Options{
	MaxConcurrentFetches: 10,
	MaxGroups:            10,
	MaxStreamExpressions: 30,
	MaxKeywords:          30,
	AddonName:            "StreamFusion",
}

// Aggregator serves stream requests. It's stateless across requests; all
// per-user state arrives in the Config.
type Aggregator struct {
	opts         Options
	registry     *addon.Registry
	client       *addon.Client
	enricher     *stream.Enricher
	availability *debrid.AvailabilityChecker
	crypter      *debrid.Crypter
	metaClient   *metadata.Client
	metaStore    *metadata.Store
	logger       *zap.Logger
}

func New(opts Options, registry *addon.Registry, client *addon.Client, enricher *stream.Enricher,
	availability *debrid.AvailabilityChecker, crypter *debrid.Crypter,
	metaClient *metadata.Client, metaStore *metadata.Store, logger *zap.Logger) (*Aggregator, error) {
	// Precondition checks
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if registry == nil || client == nil || enricher == nil || availability == nil ||
		crypter == nil || metaClient == nil || metaStore == nil {
		return nil, errors.New("all dependencies must be non-nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if opts.MaxConcurrentFetches <= 0 {
		opts.MaxConcurrentFetches = DefaultOpts.MaxConcurrentFetches
	}
	if opts.AddonName == "" {
		opts.AddonName = DefaultOpts.AddonName
	}

	return &Aggregator{
		opts:         opts,
		registry:     registry,
		client:       client,
		enricher:     enricher,
		availability: availability,
		crypter:      crypter,
		metaClient:   metaClient,
		metaStore:    metaStore,
		logger:       logger,
	}, nil
}

// Request identifies one stream query.
type Request struct {
	// Type is the media type: movie, series, anime or tv.
	Type string
	// ID is the content ID, e.g. "tt0903747:2:1".
	ID string
	// Extras is the optional pre-encoded extras slug.
	Extras string
	// ForwardIP is the requesting player's IP, forwarded to upstreams.
	ForwardIP string
}

// fetchGroup is one resolved fetch stage.
type fetchGroup struct {
	index     int
	condition string
	descs     []addon.Descriptor
}

// serviceAuth is the per-service state needed to mint playback URLs.
type serviceAuth struct {
	encoded      string
	cacheAndPlay bool
}

// Streams runs the full aggregation for one request: group resolution, fan
// out, enrichment, debrid variants, the processing pipeline, playback URL
// attachment and rendering.
func (a *Aggregator) Streams(ctx context.Context, req Request, cfg *Config) ([]stremio.Stream, error) {
	pl, err := a.buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	descs := a.registry.Build(cfg.Addons)
	groups, err := a.gateGroups(resolveGroups(cfg, descs), cfg)
	if err != nil {
		return nil, err
	}

	hidden := cfg.HideErrors || containsString(cfg.HideErrorsForResources, resourceStream)

	var fetched []*stream.Stream
	if cfg.GroupMode == GroupModeSequential && len(groups) > 1 {
		fetched = a.fetchSequential(ctx, groups, req, pl, hidden)
	} else {
		fetched = a.fetchParallel(ctx, groups, req, hidden)
	}

	fetched, auths := a.debridify(ctx, fetched, cfg)
	final := pl.Apply(fetched, req.Type)
	if len(auths) > 0 {
		a.attachPlaybackURLs(ctx, final, auths, req)
	}
	return a.render(pl, final), nil
}

func (a *Aggregator) buildPipeline(cfg *Config) (*pipeline.Pipeline, error) {
	services := make([]debrid.ServiceID, 0, len(cfg.Services))
	for _, sc := range cfg.enabledServices() {
		services = append(services, sc.ID)
	}
	return pipeline.New(cfg.Options, services, instanceList(cfg), a.opts.RegexPolicy, a.opts.AddonName, a.logger)
}

// resolveGroups partitions the built descriptors into the configured groups.
// Without groups, everything is one unconditional group. Groups keep their
// position even when the registry dropped all of their addons, so condition
// semantics stay stable.
func resolveGroups(cfg *Config, descs []addon.Descriptor) []fetchGroup {
	if len(cfg.Groups) == 0 {
		return []fetchGroup{{index: 0, descs: descs}}
	}
	byInstance := make(map[string][]addon.Descriptor, len(descs))
	for _, d := range descs {
		byInstance[d.InstanceID] = append(byInstance[d.InstanceID], d)
	}
	groups := make([]fetchGroup, 0, len(cfg.Groups))
	for i, g := range cfg.Groups {
		fg := fetchGroup{index: i, condition: g.Condition}
		for _, id := range g.Addons {
			fg.descs = append(fg.descs, byInstance[id]...)
		}
		groups = append(groups, fg)
	}
	return groups
}

// gateGroups applies the dynamic-fetch condition: when it evaluates false on
// the initial zero-stream context, group-by-group fetching is off for this
// request and the fallback decides what to fetch instead.
func (a *Aggregator) gateGroups(groups []fetchGroup, cfg *Config) ([]fetchGroup, error) {
	if cfg.DynamicFetch == "" || len(cfg.Groups) == 0 {
		return groups, nil
	}
	expr, err := expression.Parse(cfg.DynamicFetch)
	if err != nil {
		return nil, fmt.Errorf("dynamicFetch: %v", err)
	}
	active, err := expr.Bool(nil)
	if err != nil {
		return nil, fmt.Errorf("dynamicFetch: %v", err)
	}
	if active {
		return groups, nil
	}

	if cfg.DynamicFetchFallback == FallbackFirst {
		for _, g := range groups {
			if g.condition == "" || a.conditionHolds(g.condition, nil) {
				g.condition = ""
				g.index = 0
				return []fetchGroup{g}, nil
			}
		}
		return nil, nil
	}
	merged := fetchGroup{index: 0}
	for _, g := range groups {
		merged.descs = append(merged.descs, g.descs...)
	}
	return []fetchGroup{merged}, nil
}

// conditionHolds evaluates a group condition. The config validation pinned
// conditions to the boolean kind, so evaluation errors can only come from
// bugs; they fail open so a broken condition never silences a group.
func (a *Aggregator) conditionHolds(condition string, streams []*stream.Stream) bool {
	expr, err := expression.Parse(condition)
	if err != nil {
		a.logger.Warn("Couldn't parse group condition", zap.Error(err))
		return true
	}
	holds, err := expr.Bool(streams)
	if err != nil {
		a.logger.Warn("Couldn't evaluate group condition", zap.Error(err))
		return true
	}
	return holds
}

// fetchParallel fans out to every active group at once, bounded by
// MaxConcurrentFetches across all of them. Results merge in group order,
// then descriptor order: completion order never shows in the output.
func (a *Aggregator) fetchParallel(ctx context.Context, groups []fetchGroup, req Request, hidden bool) []*stream.Stream {
	type task struct {
		group int
		desc  addon.Descriptor
	}
	var tasks []task
	for _, g := range groups {
		if g.condition != "" && !a.conditionHolds(g.condition, nil) {
			a.logger.Debug("Skipping group, condition is false", zap.Int("group", g.index))
			continue
		}
		for _, d := range g.descs {
			tasks = append(tasks, task{group: g.index, desc: d})
		}
	}

	results := make([][]*stream.Stream, len(tasks))
	p := pool.New().WithMaxGoroutines(a.opts.MaxConcurrentFetches)
	for i, t := range tasks {
		i, t := i, t
		p.Go(func() {
			results[i] = a.fetchOne(ctx, t.desc, t.group, req, hidden)
		})
	}
	p.Wait()

	var streams []*stream.Stream
	for _, r := range results {
		streams = append(streams, r...)
	}
	return streams
}

// fetchSequential walks the groups in order. A group with a condition
// fetches when the condition holds against the streams surviving so far; a
// group without one fetches only when there are none yet.
func (a *Aggregator) fetchSequential(ctx context.Context, groups []fetchGroup, req Request, pl *pipeline.Pipeline, hidden bool) []*stream.Stream {
	var acc []*stream.Stream
	for gi, g := range groups {
		if gi > 0 {
			surviving := playable(pl.Apply(acc, req.Type))
			if g.condition == "" {
				if len(surviving) > 0 {
					continue
				}
			} else if !a.conditionHolds(g.condition, surviving) {
				a.logger.Debug("Skipping group, condition is false",
					zap.Int("group", g.index), zap.Int("surviving", len(surviving)))
				continue
			}
		} else if g.condition != "" && !a.conditionHolds(g.condition, nil) {
			continue
		}

		results := make([][]*stream.Stream, len(g.descs))
		p := pool.New().WithMaxGoroutines(a.opts.MaxConcurrentFetches)
		for i, d := range g.descs {
			i, d := i, d
			group := g.index
			p.Go(func() {
				results[i] = a.fetchOne(ctx, d, group, req, hidden)
			})
		}
		p.Wait()
		for _, r := range results {
			acc = append(acc, r...)
		}
	}
	return acc
}

// fetchOne queries a single addon and enriches its response. Failures become
// inline error streams unless errors are hidden; they never abort the rest
// of the request.
func (a *Aggregator) fetchOne(ctx context.Context, desc addon.Descriptor, group int, req Request, hidden bool) []*stream.Stream {
	raws, err := a.client.FetchStreams(ctx, desc, addon.StreamsRequest{
		Type:      req.Type,
		ID:        req.ID,
		Extras:    req.Extras,
		ForwardIP: req.ForwardIP,
	})
	if err != nil {
		a.logger.Warn("Addon fetch failed",
			zap.String("addon", desc.InstanceID), zap.String("id", req.ID), zap.Error(err))
		if hidden {
			return nil
		}
		errStream := stream.NewErrorStream(&desc, err.Error(), "")
		errStream.ID = desc.InstanceID + ".error"
		errStream.Group = group
		return []*stream.Stream{errStream}
	}

	streams := make([]*stream.Stream, 0, len(raws))
	for i, raw := range raws {
		s := a.enricher.Enrich(raw, &desc, req.Type)
		s.ID = fmt.Sprintf("%v.%v", desc.InstanceID, i)
		s.Group = group
		streams = append(streams, s)
	}
	return streams
}

// debridify inserts per-service variants for torrent and NZB streams: one
// stream per enabled service, marked cached or uncached from a batched
// availability check. Variants carry no URL yet; playback URLs are attached
// after the pipeline so they're never proxified or filtered on URL shape.
// The original p2p entries stay in the list; users who only want debrid
// playback exclude the p2p stream type in their filters.
func (a *Aggregator) debridify(ctx context.Context, streams []*stream.Stream, cfg *Config) ([]*stream.Stream, map[debrid.ServiceID]serviceAuth) {
	var enabled []ServiceConfig
	for _, sc := range cfg.enabledServices() {
		if !debrid.HasClient(sc.ID) {
			a.logger.Debug("Service has no playback client, skipping variants", zap.String("service", string(sc.ID)))
			continue
		}
		enabled = append(enabled, sc)
	}
	if len(enabled) == 0 {
		return streams, nil
	}

	var hashes []string
	seen := make(map[string]struct{})
	for _, s := range streams {
		if s.Type == stream.TypeP2P && s.Torrent != nil && s.Torrent.InfoHash != "" {
			if _, dup := seen[s.Torrent.InfoHash]; !dup {
				seen[s.Torrent.InfoHash] = struct{}{}
				hashes = append(hashes, s.Torrent.InfoHash)
			}
		}
	}

	auths := make(map[debrid.ServiceID]serviceAuth, len(enabled))
	cached := make(map[debrid.ServiceID]map[string]struct{}, len(enabled))
	for _, sc := range enabled {
		zapFieldService := zap.String("service", string(sc.ID))
		plain, err := debrid.DecryptCredential(a.crypter, sc.Credential)
		if err != nil {
			a.logger.Warn("Couldn't decrypt service credential, skipping service", zap.Error(err), zapFieldService)
			continue
		}
		encoded, err := debrid.EncodeStoreAuth(a.crypter, debrid.StoreAuth{ID: sc.ID, Credential: plain})
		if err != nil {
			a.logger.Warn("Couldn't encode store auth, skipping service", zap.Error(err), zapFieldService)
			continue
		}
		auths[sc.ID] = serviceAuth{encoded: encoded, cacheAndPlay: sc.CacheAndPlay}

		cachedSet := make(map[string]struct{})
		if len(hashes) > 0 {
			token, err := debrid.BearerToken(ctx, sc.ID, plain)
			if err != nil {
				// The availability check is advisory: without a usable
				// token everything shows as uncached and the click
				// surfaces the real error.
				a.logger.Warn("Couldn't get bearer token for availability check", zap.Error(err), zapFieldService)
			} else {
				for _, h := range a.availability.Check(ctx, sc.ID, token, hashes) {
					cachedSet[h] = struct{}{}
				}
			}
		}
		cached[sc.ID] = cachedSet
	}
	if len(auths) == 0 {
		return streams, nil
	}

	out := make([]*stream.Stream, 0, len(streams)*(1+len(auths)))
	for _, s := range streams {
		out = append(out, s)
		switch {
		case s.Type == stream.TypeP2P && s.Torrent != nil && s.Torrent.InfoHash != "":
			for _, sc := range enabled {
				if _, ok := auths[sc.ID]; !ok {
					continue
				}
				_, isCached := cached[sc.ID][s.Torrent.InfoHash]
				out = append(out, serviceVariant(s, sc.ID, stream.TypeDebrid, isCached))
			}
		case s.Type == stream.TypeUsenet && s.URL == "" && s.NZB != "" && s.Service == nil:
			for _, sc := range enabled {
				if _, ok := auths[sc.ID]; !ok || !supportsUsenet(sc.ID) {
					continue
				}
				out = append(out, serviceVariant(s, sc.ID, stream.TypeUsenet, false))
			}
		}
	}
	return out, auths
}

// supportsUsenet reports whether a service client takes NZB jobs.
func supportsUsenet(id debrid.ServiceID) bool {
	return id == debrid.ServiceTorBox
}

func serviceVariant(s *stream.Stream, id debrid.ServiceID, typ stream.Type, cached bool) *stream.Stream {
	v := *s
	v.ID = s.ID + "." + string(id)
	v.Type = typ
	v.Service = &stream.Service{ID: id, Cached: cached}
	v.URL = ""
	return &v
}

// attachPlaybackURLs mints the opaque playback URL for every surviving
// variant. The title is stored once under its content-addressed ID; the URL
// carries that ID so the click-time file pick knows what it's looking for.
func (a *Aggregator) attachPlaybackURLs(ctx context.Context, streams []*stream.Stream, auths map[debrid.ServiceID]serviceAuth, req Request) {
	var pending []*stream.Stream
	for _, s := range streams {
		if s.Service == nil || s.URL != "" {
			continue
		}
		hasTorrent := s.Torrent != nil && s.Torrent.InfoHash != ""
		if (s.Type == stream.TypeDebrid && hasTorrent) || (s.Type == stream.TypeUsenet && (s.NZB != "" || hasTorrent)) {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return
	}

	title := a.lookupTitle(ctx, req)
	metadataID, err := a.metaStore.Put(ctx, title)
	if err != nil {
		// Without the stored title the playback handler would reject the
		// URL, so the variants are dropped at render time.
		a.logger.Error("Couldn't store title metadata", zap.Error(err), zap.String("id", req.ID))
		return
	}

	base := strings.TrimSuffix(a.opts.BaseURL, "/")
	for _, s := range pending {
		auth, found := auths[s.Service.ID]
		if !found {
			continue
		}
		fi := debrid.FileInfo{
			CacheAndPlay: auth.cacheAndPlay,
		}
		if s.Type == stream.TypeUsenet {
			fi.Type = debrid.FileTypeUsenet
			fi.NZB = s.NZB
		} else {
			fi.Type = debrid.FileTypeTorrent
		}
		if s.Torrent != nil {
			fi.Hash = s.Torrent.InfoHash
			fi.Index = s.Torrent.FileIndex
			fi.Sources = s.Torrent.Sources
		}
		filename := s.Filename
		if filename == "" {
			filename = "stream"
		}
		s.URL = base + "/playback/" + auth.encoded + "/" + fi.Encode() + "/" + metadataID + "/" + url.PathEscape(filename)
	}
}

// lookupTitle resolves the request's title metadata. Lookup failures degrade
// to an empty title: the click-time file pick then scores without the title
// signals.
func (a *Aggregator) lookupTitle(ctx context.Context, req Request) metadata.Title {
	lookupType := req.Type
	if lookupType == "anime" {
		lookupType = "series"
	}
	title, err := a.metaClient.Lookup(ctx, lookupType, req.ID)
	if err != nil {
		a.logger.Warn("Couldn't look up title metadata",
			zap.String("type", req.Type), zap.String("id", req.ID), zap.Error(err))
		return metadata.Title{}
	}
	return title
}

// render converts the processed streams to their wire shape. Service-bound
// streams that never got a playback URL are dropped here: without one they
// can't play. Unattributed usenet streams keep their raw NZB on the wire.
func (a *Aggregator) render(pl *pipeline.Pipeline, streams []*stream.Stream) []stremio.Stream {
	out := make([]stremio.Stream, 0, len(streams))
	for _, s := range streams {
		if s.Service != nil && s.URL == "" && (s.Type == stream.TypeDebrid || s.Type == stream.TypeUsenet) {
			continue
		}
		name, description := pl.Render(s)
		w := stremio.Stream{
			Name:        name,
			Description: description,
		}
		switch s.Type {
		case stream.TypeP2P:
			w.InfoHash = s.Torrent.InfoHash
			w.FileIndex = s.Torrent.FileIndex
			w.Sources = s.Torrent.Sources
		case stream.TypeYoutube:
			w.YoutubeID = s.YoutubeID
		case stream.TypeExternal:
			w.ExternalURL = s.ExternalURL
		case stream.TypeError, stream.TypeStatistic:
			// Inert target: clicking one of these must not start playback.
			w.ExternalURL = "stremio:///"
		default:
			w.URL = s.URL
			if s.Type == stream.TypeUsenet && s.URL == "" {
				w.NZB = s.NZB
			}
		}
		w.Subtitles = s.Subtitles
		if hints := wireHints(s); hints != nil {
			w.BehaviorHints = hints
		}
		out = append(out, w)
	}
	return out
}

func wireHints(s *stream.Stream) *stremio.StreamBehaviorHints {
	if s.Filename == "" && s.Size == 0 && s.BingeGroup == "" &&
		len(s.CountryWhitelist) == 0 && !s.NotWebReady && s.ProxyHeaders == nil {
		return nil
	}
	return &stremio.StreamBehaviorHints{
		Filename:         s.Filename,
		VideoSize:        s.Size,
		BingeGroup:       s.BingeGroup,
		CountryWhitelist: s.CountryWhitelist,
		NotWebReady:      s.NotWebReady,
		ProxyHeaders:     s.ProxyHeaders,
	}
}

// playable filters out error and statistic entries.
func playable(streams []*stream.Stream) []*stream.Stream {
	out := make([]*stream.Stream, 0, len(streams))
	for _, s := range streams {
		if s.Type != stream.TypeError && s.Type != stream.TypeStatistic {
			out = append(out, s)
		}
	}
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
