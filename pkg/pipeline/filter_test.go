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

func mustFilterer(t *testing.T, opts FilterOptions) *filterer {
	t.Helper()
	f, err := newFilterer(opts, RegexPolicy{AllowUser: true})
	require.NoError(t, err)
	return f
}

func TestFilterExcludedResolution(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Resolutions: AttributeLists{Excluded: []string{"480p"}},
	})

	in := []*stream.Stream{
		newStream("sd", &parser.File{Title: "M", Resolution: "480p"}),
		newStream("hd", &parser.File{Title: "M", Resolution: "1080p"}),
		newStream("uhd", &parser.File{Title: "M", Resolution: "2160p"}),
	}
	out := f.apply(in, "movie")
	require.Equal(t, []string{"hd", "uhd"}, ids(out))
}

// A stream whose resolution couldn't be parsed filters as "unknown".
func TestFilterUnknownAttributeToken(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Resolutions: AttributeLists{Excluded: []string{"unknown"}},
	})

	in := []*stream.Stream{
		newStream("parsed", &parser.File{Title: "M", Resolution: "1080p"}),
		newStream("unparsed", nil),
	}
	out := f.apply(in, "movie")
	require.Equal(t, []string{"parsed"}, ids(out))
}

func TestFilterIncludedLanguages(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Languages: AttributeLists{Included: []string{"German", "English"}},
	})

	in := []*stream.Stream{
		newStream("de", &parser.File{Title: "M", Languages: []string{"German"}}),
		newStream("fr", &parser.File{Title: "M", Languages: []string{"French"}}),
		newStream("multi", &parser.File{Title: "M", Languages: []string{"French", "English"}}),
	}
	out := f.apply(in, "movie")
	require.Equal(t, []string{"de", "multi"}, ids(out))
}

func TestFilterRequiredAudioTags(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		AudioTags: AttributeLists{Required: []string{"Atmos", "TrueHD"}},
	})

	in := []*stream.Stream{
		newStream("both", &parser.File{Title: "M", AudioTags: []string{"TrueHD", "Atmos"}}),
		newStream("one", &parser.File{Title: "M", AudioTags: []string{"Atmos"}}),
		newStream("none", &parser.File{Title: "M"}),
	}
	out := f.apply(in, "movie")
	require.Equal(t, []string{"both"}, ids(out))
}

// HDR and DV combinations are filterable via synthetic tags.
func TestFilterVisualTagCombos(t *testing.T) {
	hdrDV := newStream("hdr-dv", &parser.File{Title: "M", VisualTags: []string{"HDR10", "DV"}})
	dvOnly := newStream("dv", &parser.File{Title: "M", VisualTags: []string{"DV"}})
	hdrOnly := newStream("hdr", &parser.File{Title: "M", VisualTags: []string{"HDR10"}})

	f := mustFilterer(t, FilterOptions{
		VisualTags: AttributeLists{Excluded: []string{"DV Only"}},
	})
	out := f.apply([]*stream.Stream{hdrDV, dvOnly, hdrOnly}, "movie")
	require.Equal(t, []string{"hdr-dv", "hdr"}, ids(out))

	f = mustFilterer(t, FilterOptions{
		VisualTags: AttributeLists{Included: []string{"HDR+DV"}},
	})
	out = f.apply([]*stream.Stream{hdrDV, dvOnly, hdrOnly}, "movie")
	require.Equal(t, []string{"hdr-dv"}, ids(out))
}

// Keyword filters match whole words in filename, folder name and parsed
// title, case-insensitively.
func TestFilterKeywords(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Keywords: AttributeLists{Excluded: []string{"cam"}},
	})

	camRip := newStream("camrip", &parser.File{Title: "Movie"})
	camRip.Filename = "Movie.2023.CAM.x264.mkv"
	camera := newStream("camera", &parser.File{Title: "Camera Obscura"})
	camera.Filename = "Camera.Obscura.2023.1080p.mkv"

	out := f.apply([]*stream.Stream{camRip, camera}, "movie")
	require.Equal(t, []string{"camera"}, ids(out))
}

func TestFilterKeywordsFolderName(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Keywords: AttributeLists{Included: []string{"remux"}},
	})

	inFolder := newStream("folder", &parser.File{Title: "M"})
	inFolder.Filename = "m.mkv"
	inFolder.FolderName = "Movie.2023.BluRay.REMUX"
	plain := newStream("plain", &parser.File{Title: "M"})
	plain.Filename = "m.mkv"

	out := f.apply([]*stream.Stream{inFolder, plain}, "movie")
	require.Equal(t, []string{"folder"}, ids(out))
}

func TestFilterRegexAllowList(t *testing.T) {
	opts := FilterOptions{
		Regexes: RegexLists{Excluded: []RegexRule{{Pattern: `(?i)\bHDCAM\b`}}},
	}

	_, err := newFilterer(opts, RegexPolicy{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegex)

	_, err = newFilterer(opts, RegexPolicy{Allowed: []string{`(?i)\bHDCAM\b`}})
	require.NoError(t, err)

	_, err = newFilterer(FilterOptions{
		Regexes: RegexLists{Excluded: []RegexRule{{Pattern: `(unclosed`}}},
	}, RegexPolicy{AllowUser: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestFilterPreferredRegexRecordsFirstMatch(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Regexes: RegexLists{Preferred: []RegexRule{
			{Name: "remux", Pattern: `(?i)remux`},
			{Name: "bluray", Pattern: `(?i)blu-?ray`},
		}},
	})

	both := newStream("both", &parser.File{Title: "M"})
	both.Filename = "Movie.2023.BluRay.REMUX.mkv"
	second := newStream("second", &parser.File{Title: "M"})
	second.Filename = "Movie.2023.BluRay.x264.mkv"
	neither := newStream("neither", &parser.File{Title: "M"})
	neither.Filename = "Movie.2023.WEB-DL.mkv"

	out := f.apply([]*stream.Stream{both, second, neither}, "movie")
	require.Len(t, out, 3)

	assert.Equal(t, "remux", both.RegexMatched)
	assert.Equal(t, 0, both.RegexMatchedIndex)
	assert.Equal(t, "bluray", second.RegexMatched)
	assert.Equal(t, 1, second.RegexMatchedIndex)
	assert.Empty(t, neither.RegexMatched)
}

// Size limits are half-open [min, max) and the per-resolution range beats
// the media-type one. Streams without a known size always pass.
func TestFilterSizeRanges(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Sizes: SizeOptions{
			Movie: SizeRange{Min: 1 << 30, Max: 20 << 30},
			PerResolution: map[string]SizeRange{
				"2160p": {Min: 5 << 30, Max: 60 << 30},
			},
		},
	})

	tooSmall := newStream("small", &parser.File{Title: "M", Resolution: "1080p"})
	tooSmall.Size = 512 << 20
	atMax := newStream("at-max", &parser.File{Title: "M", Resolution: "1080p"})
	atMax.Size = 20 << 30
	fits := newStream("fits", &parser.File{Title: "M", Resolution: "1080p"})
	fits.Size = 4 << 30
	bigUHD := newStream("big-uhd", &parser.File{Title: "M", Resolution: "2160p"})
	bigUHD.Size = 40 << 30
	sizeless := newStream("sizeless", &parser.File{Title: "M", Resolution: "1080p"})

	out := f.apply([]*stream.Stream{tooSmall, atMax, fits, bigUHD, sizeless}, "movie")
	require.Equal(t, []string{"fits", "big-uhd", "sizeless"}, ids(out))
}

func TestFilterSeederScopes(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Seeders: []SeederRange{{Min: 5, AppliesTo: []string{"p2p"}}},
	})

	weakP2P := withHash(newStream("weak", &parser.File{Title: "M"}), "aa", 2)
	strongP2P := withHash(newStream("strong", &parser.File{Title: "M"}), "bb", 50)
	// Cached debrid streams aren't in scope, their seeders don't matter.
	cached := onService(withHash(newStream("cached", &parser.File{Title: "M"}), "cc", 0), debrid.ServiceRealDebrid, true)

	out := f.apply([]*stream.Stream{weakP2P, strongP2P, cached}, "movie")
	require.Equal(t, []string{"strong", "cached"}, ids(out))
}

func TestFilterStreamExpressions(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		StreamExpressions: ExpressionLists{
			Excluded:  []string{`size > 8gb`},
			Preferred: []string{`resolution = "2160p"`, `cached(streams)`},
		},
	})

	big := newStream("big", &parser.File{Title: "M", Resolution: "1080p"})
	big.Size = 10 << 30
	uhd := newStream("uhd", &parser.File{Title: "M", Resolution: "2160p"})
	uhd.Size = 4 << 30
	cached := onService(newStream("cached", &parser.File{Title: "M", Resolution: "720p"}), debrid.ServiceRealDebrid, true)

	out := f.apply([]*stream.Stream{big, uhd, cached}, "movie")
	require.Equal(t, []string{"uhd", "cached"}, ids(out))

	assert.True(t, uhd.StreamExpressionMatched)
	assert.Equal(t, 0, uhd.StreamExpressionIndex)
	assert.True(t, cached.StreamExpressionMatched)
	assert.Equal(t, 1, cached.StreamExpressionIndex)
}

func TestFilterRequiredStreamExpressions(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		StreamExpressions: ExpressionLists{
			Required: []string{`seeders > 0`, `size < 8gb`},
		},
	})

	good := withHash(newStream("good", &parser.File{Title: "M"}), "aa", 3)
	good.Size = 2 << 30
	dead := withHash(newStream("dead", &parser.File{Title: "M"}), "bb", 0)
	dead.Size = 2 << 30
	big := withHash(newStream("big", &parser.File{Title: "M"}), "cc", 3)
	big.Size = 20 << 30

	out := f.apply([]*stream.Stream{good, dead, big}, "movie")
	require.Equal(t, []string{"good"}, ids(out))
}

func TestFilterResultPassthroughBypassesElimination(t *testing.T) {
	f := mustFilterer(t, FilterOptions{
		Resolutions: AttributeLists{Excluded: []string{"480p"}},
	})

	passthrough := newStream("passthrough", &parser.File{Title: "M", Resolution: "480p"})
	passthrough.Addon = &addon.Descriptor{InstanceID: "debridio", ResultPassthrough: true}
	regular := newStream("regular", &parser.File{Title: "M", Resolution: "480p"})

	out := f.apply([]*stream.Stream{passthrough, regular}, "movie")
	require.Equal(t, []string{"passthrough"}, ids(out))
}

// Adding a filter never lets a previously eliminated stream back in.
func TestFilterMonotonicity(t *testing.T) {
	loose := mustFilterer(t, FilterOptions{
		Resolutions: AttributeLists{Excluded: []string{"480p"}},
	})
	strict := mustFilterer(t, FilterOptions{
		Resolutions: AttributeLists{Excluded: []string{"480p"}},
		Qualities:   AttributeLists{Excluded: []string{"CAM"}},
		Keywords:    AttributeLists{Excluded: []string{"telesync"}},
	})

	in := []*stream.Stream{
		newStream("a", &parser.File{Title: "M", Resolution: "480p", Quality: "BluRay"}),
		newStream("b", &parser.File{Title: "M", Resolution: "1080p", Quality: "CAM"}),
		newStream("c", &parser.File{Title: "M", Resolution: "1080p", Quality: "BluRay"}),
		newStream("d", &parser.File{Title: "M", Resolution: "2160p", Quality: "WEB-DL"}),
	}
	in[3].Filename = "Movie.2023.TELESYNC.mkv"

	looseKept := make(map[string]bool)
	for _, s := range loose.apply(in, "movie") {
		looseKept[s.ID] = true
	}
	for _, s := range strict.apply(in, "movie") {
		assert.True(t, looseKept[s.ID], "stream %s survived strict but not loose filtering", s.ID)
	}
}
