package pipeline

import (
	"math"
	"sort"
	"strings"

	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

// SortCriterion is one sort key with a direction. Direction defaults to
// descending, which for preference-ranked criteria means "preferred first".
type SortCriterion struct {
	Key       string `json:"key"`
	Direction string `json:"direction,omitempty"` // "asc" or "desc"
}

func (c SortCriterion) descending() bool {
	return !strings.EqualFold(c.Direction, "asc")
}

// SortOptions configure the sorter. Movies/Series/Anime override Global for
// the matching request type. Cached/Uncached are the partition lists used
// when "cached" ranks among the first two criteria.
type SortOptions struct {
	Global   []SortCriterion `json:"global,omitempty"`
	Movies   []SortCriterion `json:"movies,omitempty"`
	Series   []SortCriterion `json:"series,omitempty"`
	Anime    []SortCriterion `json:"anime,omitempty"`
	Cached   []SortCriterion `json:"cached,omitempty"`
	Uncached []SortCriterion `json:"uncached,omitempty"`
}

type sorter struct {
	opts        SortOptions
	filter      FilterOptions
	serviceRank map[debrid.ServiceID]int
	addonRank   map[string]int
}

func newSorter(opts SortOptions, filter FilterOptions, serviceRank map[debrid.ServiceID]int, addonRank map[string]int) *sorter {
	return &sorter{opts: opts, filter: filter, serviceRank: serviceRank, addonRank: addonRank}
}

// apply sorts the streams. The sort is stable: streams with an equal key
// tuple keep their merge order.
func (s *sorter) apply(streams []*stream.Stream, mediaType string) []*stream.Stream {
	criteria := s.criteriaFor(mediaType)
	if len(criteria) == 0 && len(s.opts.Cached) == 0 {
		return s.forceToTop(streams)
	}

	if idx, ok := cachedCriterionIndex(criteria); ok && idx < 2 {
		streams = s.partitionedSort(streams, criteria, idx)
	} else {
		streams = s.stableSort(streams, criteria)
	}
	return s.forceToTop(streams)
}

func (s *sorter) criteriaFor(mediaType string) []SortCriterion {
	switch strings.ToLower(mediaType) {
	case "movie":
		if len(s.opts.Movies) > 0 {
			return s.opts.Movies
		}
	case "series":
		if len(s.opts.Series) > 0 {
			return s.opts.Series
		}
	case "anime":
		if len(s.opts.Anime) > 0 {
			return s.opts.Anime
		}
	}
	return s.opts.Global
}

func cachedCriterionIndex(criteria []SortCriterion) (int, bool) {
	for i, c := range criteria {
		if strings.EqualFold(c.Key, "cached") {
			return i, true
		}
	}
	return 0, false
}

// partitionedSort splits cached and uncached streams, sorts each partition
// with its own criterion list and concatenates cached-first (reversed when
// the cached criterion is ascending).
func (s *sorter) partitionedSort(streams []*stream.Stream, criteria []SortCriterion, cachedIdx int) []*stream.Stream {
	var cached, uncached []*stream.Stream
	for _, st := range streams {
		if st.Cached() {
			cached = append(cached, st)
		} else {
			uncached = append(uncached, st)
		}
	}

	rest := make([]SortCriterion, 0, len(criteria)-1)
	rest = append(rest, criteria[:cachedIdx]...)
	rest = append(rest, criteria[cachedIdx+1:]...)

	cachedCriteria := s.opts.Cached
	if len(cachedCriteria) == 0 {
		cachedCriteria = rest
	}
	uncachedCriteria := s.opts.Uncached
	if len(uncachedCriteria) == 0 {
		uncachedCriteria = rest
	}

	cached = s.stableSort(cached, cachedCriteria)
	uncached = s.stableSort(uncached, uncachedCriteria)

	out := make([]*stream.Stream, 0, len(streams))
	if criteria[cachedIdx].descending() {
		out = append(out, cached...)
		out = append(out, uncached...)
	} else {
		out = append(out, uncached...)
		out = append(out, cached...)
	}
	return out
}

func (s *sorter) stableSort(streams []*stream.Stream, criteria []SortCriterion) []*stream.Stream {
	if len(criteria) == 0 || len(streams) < 2 {
		return streams
	}
	sorted := make([]*stream.Stream, len(streams))
	copy(sorted, streams)
	sort.SliceStable(sorted, func(i, j int) bool {
		for _, c := range criteria {
			cmp := s.compare(c, sorted[i], sorted[j])
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
	return sorted
}

// compare returns <0 when a sorts before b under the criterion. Every key
// computes a score where smaller is better for descending direction;
// ascending flips the result.
func (s *sorter) compare(c SortCriterion, a, b *stream.Stream) int {
	scoreA := s.score(c.Key, a)
	scoreB := s.score(c.Key, b)
	cmp := 0
	if scoreA < scoreB {
		cmp = -1
	} else if scoreA > scoreB {
		cmp = 1
	}
	if !c.descending() {
		cmp = -cmp
	}
	return cmp
}

// score maps a stream to an ordinal for the key; smaller is better.
// Categorical keys use the position in the user's preferred list, unlisted
// values rank last. Numeric keys negate so bigger values score better.
func (s *sorter) score(key string, st *stream.Stream) float64 {
	switch strings.ToLower(key) {
	case "resolution":
		return listRank(s.filter.Resolutions.Preferred, attrOrUnknown(fileResolution(st)))
	case "quality":
		return listRank(s.filter.Qualities.Preferred, attrOrUnknown(fileQuality(st)))
	case "encode":
		return listRank(s.filter.Encodes.Preferred, attrOrUnknown(fileEncode(st)))
	case "streamtype":
		return listRank(s.filter.StreamTypes.Preferred, string(st.Type))
	case "language":
		return bestListRank(s.filter.Languages.Preferred, fileLanguages(st))
	case "visualtag":
		return bestListRank(s.filter.VisualTags.Preferred, visualTagSet(st))
	case "audiotag":
		return bestListRank(s.filter.AudioTags.Preferred, fileAudioTags(st))
	case "audiochannel":
		return bestListRank(s.filter.AudioChannels.Preferred, fileAudioChannels(st))
	case "size":
		return -float64(st.Size)
	case "seeders":
		if st.Torrent == nil {
			return 0
		}
		return -float64(st.Torrent.Seeders)
	case "service":
		if st.Service == nil {
			return math.MaxInt32
		}
		if r, ok := s.serviceRank[st.Service.ID]; ok {
			return float64(r)
		}
		return math.MaxInt32
	case "addon":
		if st.Addon == nil {
			return math.MaxInt32
		}
		if r, ok := s.addonRank[st.Addon.InstanceID]; ok {
			return float64(r)
		}
		return math.MaxInt32
	case "regexpatterns":
		if st.RegexMatched == "" {
			return math.MaxInt32
		}
		return float64(st.RegexMatchedIndex)
	case "streamexpressionmatched":
		if !st.StreamExpressionMatched {
			return math.MaxInt32
		}
		return float64(st.StreamExpressionIndex)
	case "keyword":
		return boolScore(st.KeywordMatched)
	case "cached":
		return boolScore(st.Cached())
	case "library":
		return boolScore(st.Library)
	}
	return 0
}

func boolScore(b bool) float64 {
	if b {
		return 0
	}
	return 1
}

// listRank is the position of value in the preferred list, or one past the
// end when unlisted.
func listRank(preferred []string, value string) float64 {
	for i, p := range preferred {
		if strings.EqualFold(p, value) {
			return float64(i)
		}
	}
	return float64(len(preferred))
}

// bestListRank is the best (lowest) rank among a multi-valued attribute.
func bestListRank(preferred []string, values []string) float64 {
	best := float64(len(preferred))
	for _, v := range values {
		if r := listRank(preferred, v); r < best {
			best = r
		}
	}
	return best
}

// forceToTop moves streams of force-to-top providers to the head. Their
// relative sorted order is kept per provider; between two such providers the
// configured addon order breaks the tie.
func (s *sorter) forceToTop(streams []*stream.Stream) []*stream.Stream {
	var pinned, rest []*stream.Stream
	for _, st := range streams {
		if st.Addon != nil && st.Addon.ForceToTop {
			pinned = append(pinned, st)
		} else {
			rest = append(rest, st)
		}
	}
	if len(pinned) == 0 {
		return streams
	}
	sort.SliceStable(pinned, func(i, j int) bool {
		return s.score("addon", pinned[i]) < s.score("addon", pinned[j])
	})
	return append(pinned, rest...)
}
