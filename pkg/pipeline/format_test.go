package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/parser"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

func formattedStream() *stream.Stream {
	s := newStream("a", &parser.File{
		Title:      "Some Movie",
		Year:       2023,
		Resolution: "2160p",
		Quality:    "BluRay",
		Encode:     "x265",
		VisualTags: []string{"HDR10", "DV"},
		AudioTags:  []string{"Atmos"},
		Languages:  []string{"English", "German"},
	})
	s.Filename = "Some.Movie.2023.2160p.BluRay.x265-GRP.mkv"
	s.Size = 24 << 30
	s.Indexer = "rarbg"
	s.Age = 72 * time.Hour
	s = onService(s, debrid.ServiceRealDebrid, true)
	return fromAddon(s, "torrentio")
}

func TestFormatDefaultName(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	name, _ := f.Render(formattedStream())
	assert.Contains(t, name, "[RD⚡]")
	assert.Contains(t, name, "StreamFusion")
	assert.Contains(t, name, "2160p")
	assert.Contains(t, name, "HDR10 | DV")
	assert.NotContains(t, name, "⏳")
	assert.NotContains(t, name, "[P2P]")
}

func TestFormatDefaultNameUncached(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := formattedStream()
	s.Service.Cached = false
	name, _ := f.Render(s)
	assert.Contains(t, name, "[RD⏳]")
	assert.NotContains(t, name, "⚡")
}

func TestFormatDefaultNameP2P(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := withHash(newStream("p2p", &parser.File{Title: "M", Resolution: "1080p"}), "abc", 42)
	name, _ := f.Render(s)
	assert.Contains(t, name, "[P2P]")
	assert.NotContains(t, name, "⚡")
}

func TestFormatDefaultDescription(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	_, desc := f.Render(formattedStream())
	assert.Contains(t, desc, "🎬 Some Movie (2023)")
	assert.Contains(t, desc, "🎥 BluRay")
	assert.Contains(t, desc, "🎞️ x265")
	assert.Contains(t, desc, "🎧 Atmos")
	assert.Contains(t, desc, "💾 24 GB")
	assert.Contains(t, desc, "🕒 3d")
	assert.Contains(t, desc, "📡 rarbg")
	assert.Contains(t, desc, "🇬🇧 / 🇩🇪")
	assert.Contains(t, desc, "📄 Some.Movie.2023.2160p.BluRay.x265-GRP.mkv")
}

func TestFormatSeriesDescription(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := newStream("ep", &parser.File{Title: "Some Show", Season: 1, Episode: 2})
	_, desc := f.Render(s)
	assert.Contains(t, desc, "🎬 Some Show S1E2")
}

// Rendering is pure: it never mutates the stream and repeated calls give
// identical output.
func TestFormatRenderIsPure(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := formattedStream()
	filename := s.Filename
	url := s.URL

	name1, desc1 := f.Render(s)
	name2, desc2 := f.Render(s)
	assert.Equal(t, name1, name2)
	assert.Equal(t, desc1, desc2)
	assert.Equal(t, filename, s.Filename)
	assert.Equal(t, url, s.URL)
}

func TestFormatPassthrough(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := formattedStream()
	s.Addon = &addon.Descriptor{InstanceID: "debridio", FormatPassthrough: true}
	s.OriginalName = "[Upstream] Original"
	s.OriginalDescription = "original description"

	name, desc := f.Render(s)
	assert.Equal(t, "[Upstream] Original", name)
	assert.Equal(t, "original description", desc)
}

func TestFormatErrorStream(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := newStream("err", nil)
	s.Type = stream.TypeError
	s.Addon = &addon.Descriptor{InstanceID: "torrentio", DisplayName: "Torrentio"}
	s.Error = &stream.ErrorInfo{Title: "Timed out", Description: "no response within 10s"}

	name, desc := f.Render(s)
	assert.Equal(t, "[❌] Torrentio", name)
	assert.Contains(t, desc, "Timed out")
	assert.Contains(t, desc, "no response within 10s")
}

func TestFormatStatisticStreamUntouched(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := newStream("stat", nil)
	s.Type = stream.TypeStatistic
	s.OriginalName = "⏱️ Fetched 120 streams"
	s.OriginalDescription = "torrentio: 80, comet: 40"

	name, desc := f.Render(s)
	assert.Equal(t, "⏱️ Fetched 120 streams", name)
	assert.Equal(t, "torrentio: 80, comet: 40", desc)
}

func TestFormatMinimalTemplate(t *testing.T) {
	f := NewFormatter(FormatOptions{Template: "minimal"}, "StreamFusion")

	name, desc := f.Render(formattedStream())
	assert.Contains(t, name, "[RD⚡]")
	assert.Contains(t, name, "2160p")
	assert.NotContains(t, name, "StreamFusion")
	assert.Contains(t, desc, "Some.Movie.2023.2160p.BluRay.x265-GRP.mkv")
	assert.Contains(t, desc, "💾 24 GB")
}

func TestFormatCustomTemplate(t *testing.T) {
	f := NewFormatter(FormatOptions{
		Template:    "custom",
		Name:        `{addon.name} - {stream.resolution::exists[{stream.resolution}||unknown]}`,
		Description: `{stream.seeders::>10[well seeded||barely seeded]} {stream.size::bytes}`,
	}, "StreamFusion")

	s := withHash(newStream("a", &parser.File{Title: "M", Resolution: "1080p"}), "abc", 42)
	s.Size = 1536 << 20
	s = fromAddon(s, "torrentio")

	name, desc := f.Render(s)
	assert.Equal(t, "torrentio - 1080p", name)
	assert.Equal(t, "well seeded 1.5 GB", desc)
}

func TestFormatSnippetArms(t *testing.T) {
	f := NewFormatter(FormatOptions{
		Template: "custom",
		Name:     `{stream.cached::exists[cached: {stream.resolution}||not cached]}`,
	}, "StreamFusion")

	cached := onService(newStream("c", &parser.File{Title: "M", Resolution: "720p"}), debrid.ServiceRealDebrid, true)
	name, _ := f.Render(cached)
	assert.Equal(t, "cached: 720p", name)

	uncached := newStream("u", &parser.File{Title: "M", Resolution: "720p"})
	name, _ = f.Render(uncached)
	assert.Equal(t, "not cached", name)
}

func TestHumanBytes(t *testing.T) {
	for _, tc := range []struct {
		n    float64
		want string
	}{
		{0, "0 B"},
		{500, "500 B"},
		{1536, "1.5 KB"},
		{24 << 30, "24 GB"},
		{1536 << 20, "1.5 GB"},
		{2 << 40, "2 TB"},
	} {
		assert.Equal(t, tc.want, humanBytes(tc.n), "bytes %f", tc.n)
	}
}

func TestHumanDuration(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "now"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{72 * time.Hour, "3d"},
		{45 * 24 * time.Hour, "1mo"},
		{800 * 24 * time.Hour, "2y"},
	} {
		assert.Equal(t, tc.want, humanDuration(tc.d), tc.d.String())
	}
}

func TestLanguageEmojis(t *testing.T) {
	got := languageEmojis([]string{"English", "German", "Japanese", "Klingon"})
	require.Equal(t, []string{"🇬🇧", "🇩🇪", "🇯🇵", "Klingon"}, got)
}

func TestFormatNoParsedFile(t *testing.T) {
	f := NewFormatter(FormatOptions{}, "StreamFusion")

	s := newStream("bare", nil)
	s.Filename = "mystery.mkv"
	name, desc := f.Render(s)
	assert.Contains(t, name, "StreamFusion")
	assert.Contains(t, desc, "📄 mystery.mkv")
	assert.False(t, strings.Contains(desc, "🎥"))
}
