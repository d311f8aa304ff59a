package pipeline

import (
	"fmt"
	"strings"

	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

// Dedupe fingerprint keys.
const (
	KeyFilename    = "filename"
	KeyInfoHash    = "infoHash"
	KeySmartDetect = "smartDetect"
)

// Per-stream-type dedupe modes.
const (
	DedupeSingleResult = "single_result"
	DedupePerService   = "per_service"
	DedupePerAddon     = "per_addon"
	DedupeDisabled     = "disabled"
)

// Multi-group behaviours governing cached/uncached coexistence of the same
// content across services.
const (
	MultiGroupKeepAll      = "keep_all"
	MultiGroupAggressive   = "aggressive"
	MultiGroupConservative = "conservative"
)

// DedupeOptions configure the deduplicator. Modes maps a stream type to its
// mode; types without an entry pass through untouched.
type DedupeOptions struct {
	Keys       []string          `json:"keys,omitempty"`
	Modes      map[string]string `json:"modes,omitempty"`
	MultiGroup string            `json:"multiGroupBehaviour,omitempty"`
}

type deduper struct {
	opts        DedupeOptions
	serviceRank map[debrid.ServiceID]int
	addonRank   map[string]int
}

func newDeduper(opts DedupeOptions, serviceRank map[debrid.ServiceID]int, addonRank map[string]int) *deduper {
	return &deduper{opts: opts, serviceRank: serviceRank, addonRank: addonRank}
}

// apply collapses near-duplicate streams. Survivors keep their input order,
// which makes the stage idempotent: a second run sees singleton groups only.
func (d *deduper) apply(streams []*stream.Stream) []*stream.Stream {
	if len(d.opts.Keys) == 0 || len(streams) < 2 {
		return streams
	}

	groups := d.groupByFingerprint(streams)

	survivors := make(map[*stream.Stream]struct{}, len(streams))
	for _, group := range groups {
		for _, s := range d.surviving(group) {
			survivors[s] = struct{}{}
		}
	}

	kept := make([]*stream.Stream, 0, len(survivors))
	for _, s := range streams {
		if _, ok := survivors[s]; ok {
			kept = append(kept, s)
		}
	}
	return kept
}

// groupByFingerprint unions streams sharing any fingerprint under the
// enabled keys. A stream bridging two groups merges them.
func (d *deduper) groupByFingerprint(streams []*stream.Stream) [][]*stream.Stream {
	parent := make([]int, len(streams))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	byFingerprint := make(map[string]int)
	for i, s := range streams {
		for _, fp := range d.fingerprints(s) {
			if j, ok := byFingerprint[fp]; ok {
				union(j, i)
			} else {
				byFingerprint[fp] = i
			}
		}
	}

	grouped := make(map[int][]*stream.Stream)
	var order []int
	for i, s := range streams {
		root := find(i)
		if _, ok := grouped[root]; !ok {
			order = append(order, root)
		}
		grouped[root] = append(grouped[root], s)
	}
	groups := make([][]*stream.Stream, 0, len(order))
	for _, root := range order {
		groups = append(groups, grouped[root])
	}
	return groups
}

// fingerprints computes one candidate fingerprint per enabled key. Each is
// prefixed with its key kind so values never collide across keys.
func (d *deduper) fingerprints(s *stream.Stream) []string {
	var fps []string
	for _, key := range d.opts.Keys {
		switch key {
		case KeyFilename:
			if fp := normalizeFilename(s.Filename); fp != "" {
				fps = append(fps, "fn:"+fp)
			}
		case KeyInfoHash:
			if s.Torrent != nil && s.Torrent.InfoHash != "" {
				fps = append(fps, "ih:"+strings.ToLower(s.Torrent.InfoHash))
			}
		case KeySmartDetect:
			if fp := smartFingerprint(s); fp != "" {
				fps = append(fps, "sd:"+fp)
			}
		}
	}
	return fps
}

// normalizeFilename lowercases, strips the extension and collapses
// separators so release names from different addons line up.
func normalizeFilename(name string) string {
	if name == "" {
		return ""
	}
	name = strings.ToLower(name)
	if dot := strings.LastIndex(name, "."); dot > 0 && len(name)-dot <= 5 {
		name = name[:dot]
	}
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == ' '
	}), " ")
}

// smartFingerprint composes parsed release attributes into a tolerant
// identity for streams whose filename or hash is absent or unreliable.
func smartFingerprint(s *stream.Stream) string {
	f := s.File
	if f == nil || f.Title == "" {
		return ""
	}
	return strings.ToLower(fmt.Sprintf("%s|%d|%d|%d|%s|%s|%s|%s",
		f.Title, f.Year, f.Season, f.Episode, f.Resolution, f.Quality, f.Encode, f.ReleaseGroup))
}

// surviving picks the group's survivors: multi-group pruning first, then the
// per-stream-type mode.
func (d *deduper) surviving(group []*stream.Stream) []*stream.Stream {
	if len(group) == 1 {
		return group
	}
	group = d.pruneUncached(group)

	var kept []*stream.Stream
	for _, typed := range splitByType(group) {
		mode := d.opts.Modes[string(typed[0].Type)]
		switch mode {
		case DedupeSingleResult:
			kept = append(kept, d.best(typed, d.rankServiceAddon))
		case DedupePerService:
			kept = append(kept, d.bestPer(typed, serviceBucket, d.rankAddonOnly)...)
		case DedupePerAddon:
			kept = append(kept, d.bestPer(typed, addonBucket, d.rankServiceOnly)...)
		default:
			kept = append(kept, typed...)
		}
	}
	return kept
}

// pruneUncached applies the multi-group behaviour: aggressive drops every
// uncached service entry once any service has the content cached;
// conservative drops uncached entries only for services that have a cached
// entry of their own in the group, so cached entries across services coexist
// and an uncached-only service keeps its entry.
func (d *deduper) pruneUncached(group []*stream.Stream) []*stream.Stream {
	switch d.opts.MultiGroup {
	case MultiGroupAggressive:
		anyCached := false
		for _, s := range group {
			if s.Cached() {
				anyCached = true
				break
			}
		}
		if !anyCached {
			return group
		}
		kept := group[:0:0]
		for _, s := range group {
			if s.Service == nil || s.Service.Cached {
				kept = append(kept, s)
			}
		}
		return kept
	case MultiGroupConservative:
		cachedServices := make(map[debrid.ServiceID]bool)
		for _, s := range group {
			if s.Cached() {
				cachedServices[s.Service.ID] = true
			}
		}
		if len(cachedServices) == 0 {
			return group
		}
		kept := group[:0:0]
		for _, s := range group {
			if s.Service != nil && !s.Service.Cached && cachedServices[s.Service.ID] {
				continue
			}
			kept = append(kept, s)
		}
		return kept
	default:
		return group
	}
}

// splitByType partitions a group by stream type, preserving order.
func splitByType(group []*stream.Stream) [][]*stream.Stream {
	byType := make(map[stream.Type][]*stream.Stream)
	var order []stream.Type
	for _, s := range group {
		if _, ok := byType[s.Type]; !ok {
			order = append(order, s.Type)
		}
		byType[s.Type] = append(byType[s.Type], s)
	}
	out := make([][]*stream.Stream, 0, len(order))
	for _, t := range order {
		out = append(out, byType[t])
	}
	return out
}

func serviceBucket(s *stream.Stream) string {
	if s.Service == nil {
		return ""
	}
	return string(s.Service.ID)
}

func addonBucket(s *stream.Stream) string {
	if s.Addon == nil {
		return ""
	}
	return s.Addon.InstanceID
}

// best keeps the lowest-ranked stream; ties keep the earliest input
// position, which find-first iteration gives us.
func (d *deduper) best(group []*stream.Stream, rank func(*stream.Stream) int) *stream.Stream {
	winner := group[0]
	winnerRank := rank(winner)
	for _, s := range group[1:] {
		if r := rank(s); r < winnerRank {
			winner, winnerRank = s, r
		}
	}
	return winner
}

// bestPer keeps one stream per bucket, ordered by first appearance.
func (d *deduper) bestPer(group []*stream.Stream, bucket func(*stream.Stream) string, rank func(*stream.Stream) int) []*stream.Stream {
	byBucket := make(map[string][]*stream.Stream)
	var order []string
	for _, s := range group {
		b := bucket(s)
		if _, ok := byBucket[b]; !ok {
			order = append(order, b)
		}
		byBucket[b] = append(byBucket[b], s)
	}
	kept := make([]*stream.Stream, 0, len(order))
	for _, b := range order {
		kept = append(kept, d.best(byBucket[b], rank))
	}
	return kept
}

const unrankedPenalty = 1 << 20

func (d *deduper) rankService(s *stream.Stream) int {
	if s.Service == nil {
		return unrankedPenalty
	}
	if r, ok := d.serviceRank[s.Service.ID]; ok {
		return r
	}
	return unrankedPenalty
}

func (d *deduper) rankAddon(s *stream.Stream) int {
	if s.Addon == nil {
		return unrankedPenalty
	}
	if r, ok := d.addonRank[s.Addon.InstanceID]; ok {
		return r
	}
	return unrankedPenalty
}

// rankServiceAddon orders by service first, addon second.
func (d *deduper) rankServiceAddon(s *stream.Stream) int {
	return d.rankService(s)*(unrankedPenalty+1) + d.rankAddon(s)
}

func (d *deduper) rankAddonOnly(s *stream.Stream) int   { return d.rankAddon(s) }
func (d *deduper) rankServiceOnly(s *stream.Stream) int { return d.rankService(s) }
