package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/parser"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

func testSorter(opts SortOptions, filter FilterOptions) *sorter {
	return newSorter(opts, filter,
		map[debrid.ServiceID]int{debrid.ServiceRealDebrid: 0, debrid.ServicePremiumize: 1},
		map[string]int{"torrentio": 0, "comet": 1},
	)
}

func TestSortPreferredResolutions(t *testing.T) {
	s := testSorter(
		SortOptions{Global: []SortCriterion{{Key: "resolution"}}},
		FilterOptions{Resolutions: AttributeLists{Preferred: []string{"2160p", "1080p"}}},
	)

	hd := newStream("hd", &parser.File{Title: "M", Resolution: "720p"})
	fhd := newStream("fhd", &parser.File{Title: "M", Resolution: "1080p"})
	uhd := newStream("uhd", &parser.File{Title: "M", Resolution: "2160p"})
	unparsed := newStream("unparsed", nil)

	out := s.apply([]*stream.Stream{hd, fhd, uhd, unparsed}, "movie")
	// 720p and unparsed are both unlisted and keep their relative order.
	require.Equal(t, []string{"uhd", "fhd", "hd", "unparsed"}, ids(out))
}

// Streams with equal keys keep their input order.
func TestSortStability(t *testing.T) {
	s := testSorter(
		SortOptions{Global: []SortCriterion{{Key: "resolution"}}},
		FilterOptions{Resolutions: AttributeLists{Preferred: []string{"1080p"}}},
	)

	in := make([]*stream.Stream, 0, 8)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		in = append(in, newStream(id, &parser.File{Title: "M", Resolution: "1080p"}))
	}
	out := s.apply(in, "movie")
	require.Equal(t, ids(in), ids(out))
}

func TestSortNumericKeys(t *testing.T) {
	small := withHash(newStream("small", &parser.File{Title: "M"}), "aa", 50)
	small.Size = 1 << 30
	big := withHash(newStream("big", &parser.File{Title: "M"}), "bb", 5)
	big.Size = 10 << 30

	// Size descending is the default: bigger first.
	s := testSorter(SortOptions{Global: []SortCriterion{{Key: "size"}}}, FilterOptions{})
	out := s.apply([]*stream.Stream{small, big}, "movie")
	require.Equal(t, []string{"big", "small"}, ids(out))

	// Ascending flips it.
	s = testSorter(SortOptions{Global: []SortCriterion{{Key: "size", Direction: "asc"}}}, FilterOptions{})
	out = s.apply([]*stream.Stream{big, small}, "movie")
	require.Equal(t, []string{"small", "big"}, ids(out))

	// Seeders rank independently of size.
	s = testSorter(SortOptions{Global: []SortCriterion{{Key: "seeders"}}}, FilterOptions{})
	out = s.apply([]*stream.Stream{big, small}, "movie")
	require.Equal(t, []string{"small", "big"}, ids(out))
}

func TestSortPerTypeOverride(t *testing.T) {
	s := testSorter(SortOptions{
		Global: []SortCriterion{{Key: "size"}},
		Series: []SortCriterion{{Key: "size", Direction: "asc"}},
	}, FilterOptions{})

	small := newStream("small", &parser.File{Title: "M"})
	small.Size = 1 << 30
	big := newStream("big", &parser.File{Title: "M"})
	big.Size = 10 << 30

	out := s.apply([]*stream.Stream{small, big}, "movie")
	require.Equal(t, []string{"big", "small"}, ids(out))

	out = s.apply([]*stream.Stream{big, small}, "series")
	require.Equal(t, []string{"small", "big"}, ids(out))
}

// With cached among the first two criteria the list splits into a cached and
// an uncached partition, each sorted by its own criterion list.
func TestSortCachedPartition(t *testing.T) {
	s := testSorter(SortOptions{
		Global:   []SortCriterion{{Key: "cached"}, {Key: "size"}},
		Cached:   []SortCriterion{{Key: "size", Direction: "asc"}},
		Uncached: []SortCriterion{{Key: "seeders"}},
	}, FilterOptions{})

	cachedBig := onService(newStream("cached-big", &parser.File{Title: "M"}), debrid.ServiceRealDebrid, true)
	cachedBig.Size = 10 << 30
	cachedSmall := onService(newStream("cached-small", &parser.File{Title: "M"}), debrid.ServiceRealDebrid, true)
	cachedSmall.Size = 1 << 30
	p2pWeak := withHash(newStream("p2p-weak", &parser.File{Title: "M"}), "aa", 3)
	p2pStrong := withHash(newStream("p2p-strong", &parser.File{Title: "M"}), "bb", 300)

	out := s.apply([]*stream.Stream{p2pWeak, cachedBig, p2pStrong, cachedSmall}, "movie")
	require.Equal(t, []string{"cached-small", "cached-big", "p2p-strong", "p2p-weak"}, ids(out))
}

// Without dedicated partition lists both partitions fall back to the
// remaining criteria.
func TestSortCachedPartitionFallback(t *testing.T) {
	s := testSorter(SortOptions{
		Global: []SortCriterion{{Key: "cached"}, {Key: "size"}},
	}, FilterOptions{})

	cachedSmall := onService(newStream("cached-small", &parser.File{Title: "M"}), debrid.ServiceRealDebrid, true)
	cachedSmall.Size = 1 << 30
	uncachedBig := withHash(newStream("uncached-big", &parser.File{Title: "M"}), "aa", 3)
	uncachedBig.Size = 10 << 30
	cachedBig := onService(newStream("cached-big", &parser.File{Title: "M"}), debrid.ServiceRealDebrid, true)
	cachedBig.Size = 10 << 30

	out := s.apply([]*stream.Stream{cachedSmall, uncachedBig, cachedBig}, "movie")
	require.Equal(t, []string{"cached-big", "cached-small", "uncached-big"}, ids(out))
}

func TestSortServiceAndAddonOrder(t *testing.T) {
	s := testSorter(SortOptions{
		Global: []SortCriterion{{Key: "service"}, {Key: "addon"}},
	}, FilterOptions{})

	pmTorrentio := fromAddon(onService(newStream("pm-torrentio", &parser.File{Title: "M"}), debrid.ServicePremiumize, true), "torrentio")
	rdComet := fromAddon(onService(newStream("rd-comet", &parser.File{Title: "M"}), debrid.ServiceRealDebrid, true), "comet")
	rdTorrentio := fromAddon(onService(newStream("rd-torrentio", &parser.File{Title: "M"}), debrid.ServiceRealDebrid, true), "torrentio")

	out := s.apply([]*stream.Stream{pmTorrentio, rdComet, rdTorrentio}, "movie")
	require.Equal(t, []string{"rd-torrentio", "rd-comet", "pm-torrentio"}, ids(out))
}

func TestSortRegexAndExpressionRank(t *testing.T) {
	s := testSorter(SortOptions{
		Global: []SortCriterion{{Key: "regexPatterns"}},
	}, FilterOptions{})

	first := newStream("first", &parser.File{Title: "M"})
	first.RegexMatched, first.RegexMatchedIndex = "remux", 0
	second := newStream("second", &parser.File{Title: "M"})
	second.RegexMatched, second.RegexMatchedIndex = "bluray", 1
	unmatched := newStream("unmatched", &parser.File{Title: "M"})

	out := s.apply([]*stream.Stream{unmatched, second, first}, "movie")
	require.Equal(t, []string{"first", "second", "unmatched"}, ids(out))
}

// Force-to-top addons lead regardless of sort criteria; between two pinned
// addons the configured addon order decides.
func TestSortForceToTop(t *testing.T) {
	s := testSorter(SortOptions{
		Global: []SortCriterion{{Key: "size"}},
	}, FilterOptions{})

	pinnedComet := newStream("pinned-comet", &parser.File{Title: "M"})
	pinnedComet.Addon = &addon.Descriptor{InstanceID: "comet", ForceToTop: true}
	pinnedComet.Size = 1 << 30
	pinnedTorrentio := newStream("pinned-torrentio", &parser.File{Title: "M"})
	pinnedTorrentio.Addon = &addon.Descriptor{InstanceID: "torrentio", ForceToTop: true}
	pinnedTorrentio.Size = 2 << 30
	huge := newStream("huge", &parser.File{Title: "M"})
	huge.Size = 100 << 30

	out := s.apply([]*stream.Stream{pinnedComet, huge, pinnedTorrentio}, "movie")
	require.Equal(t, []string{"pinned-torrentio", "pinned-comet", "huge"}, ids(out))
}

func TestSortNoCriteriaKeepsOrder(t *testing.T) {
	s := testSorter(SortOptions{}, FilterOptions{})

	in := []*stream.Stream{
		newStream("a", &parser.File{Title: "M"}),
		newStream("b", &parser.File{Title: "M"}),
	}
	out := s.apply(in, "movie")
	assert.Equal(t, ids(in), ids(out))
}
