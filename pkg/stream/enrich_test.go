package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/parser"
	"github.com/doingodswork/streamfusion/pkg/stremio"
)

func newTestEnricher() *Enricher {
	return NewEnricher(parser.NewMemo(time.Minute), zap.NewNop())
}

var testDesc = &addon.Descriptor{
	InstanceID:  "tio1",
	PresetID:    "torrentio",
	DisplayName: "Torrentio",
	ShortID:     "TIO",
}

func TestEnrichTorrent(t *testing.T) {
	e := newTestEnricher()
	raw := stremio.Stream{
		InfoHash:  "DD8255ECDC7CA55FB0BBF81323D87062DB1F6D1C",
		FileIndex: 2,
		Name:      "Torrentio\n4k",
		Title:     "Some.Movie.2023.2160p.WEB-DL.DV.x265-GRP.mkv\n👤 87 💾 2.5 GB ⚙️ ThePirateBay",
		Sources:   []string{"tracker:udp://example.com:1337"},
	}

	s := e.Enrich(raw, testDesc, "movie")
	require.Equal(t, TypeP2P, s.Type)
	require.NotNil(t, s.Torrent)
	// Info hashes are normalized to lowercase for availability lookups
	assert.Equal(t, "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c", s.Torrent.InfoHash)
	assert.Equal(t, 2, s.Torrent.FileIndex)
	assert.Equal(t, 87, s.Torrent.Seeders)
	assert.Equal(t, []string{"tracker:udp://example.com:1337"}, s.Torrent.Sources)
	assert.Equal(t, int64(2.5*(1<<30)), s.Size)
	assert.Equal(t, "ThePirateBay", s.Indexer)

	require.NotNil(t, s.File)
	assert.Equal(t, 2023, s.File.Year)
	assert.Equal(t, "2160p", s.File.Resolution)
	assert.Contains(t, s.File.VisualTags, "DV")
	// The description's first line is a release name, so it's the filename
	assert.Equal(t, "Some.Movie.2023.2160p.WEB-DL.DV.x265-GRP.mkv", s.Filename)
}

func TestEnrichServiceMarker(t *testing.T) {
	e := newTestEnricher()

	s := e.Enrich(stremio.Stream{
		URL:  "https://wrapper.example.com/play/1",
		Name: "[RD+] Torrentio 4k",
	}, testDesc, "movie")
	require.Equal(t, TypeDebrid, s.Type)
	require.NotNil(t, s.Service)
	assert.Equal(t, debrid.ServiceRealDebrid, s.Service.ID)
	assert.True(t, s.Service.Cached)

	s = e.Enrich(stremio.Stream{
		URL:  "https://wrapper.example.com/play/2",
		Name: "[TB download] Comet 1080p",
	}, testDesc, "movie")
	require.Equal(t, TypeDebrid, s.Type)
	require.NotNil(t, s.Service)
	assert.Equal(t, debrid.ServiceTorBox, s.Service.ID)
	assert.False(t, s.Service.Cached)
}

func TestEnrichServiceFromHost(t *testing.T) {
	e := newTestEnricher()
	s := e.Enrich(stremio.Stream{
		URL:  "https://my.premiumize.me/dl/xyz/file.mkv",
		Name: "SomeAddon 1080p",
	}, testDesc, "movie")
	require.Equal(t, TypeDebrid, s.Type)
	require.NotNil(t, s.Service)
	assert.Equal(t, debrid.ServicePremiumize, s.Service.ID)
	// A service-hosted URL is already resolved, i.e. cached
	assert.True(t, s.Service.Cached)
}

func TestEnrichPlainURL(t *testing.T) {
	e := newTestEnricher()
	raw := stremio.Stream{
		URL:  "https://cdn.example.com/hls/channel.m3u8",
		Name: "Some Channel",
	}

	s := e.Enrich(raw, testDesc, "movie")
	assert.Equal(t, TypeHTTP, s.Type)
	assert.Nil(t, s.Service)

	// The same stream on the tv resource is a live channel
	s = e.Enrich(raw, testDesc, "tv")
	assert.Equal(t, TypeLive, s.Type)
}

func TestEnrichUsenet(t *testing.T) {
	e := newTestEnricher()
	s := e.Enrich(stremio.Stream{
		NZB:   "https://indexer.example.com/get/abc.nzb",
		Name:  "NZB Indexer",
		Title: "Some.Show.S02E01.1080p.WEB.mkv\n📅 12d 💾 3.1 GB",
	}, testDesc, "series")
	require.Equal(t, TypeUsenet, s.Type)
	assert.Equal(t, "https://indexer.example.com/get/abc.nzb", s.NZB)
	assert.Equal(t, 12*24*time.Hour, s.Age)
	require.NotNil(t, s.File)
	assert.Equal(t, 2, s.File.Season)
	assert.Equal(t, 1, s.File.Episode)
}

func TestEnrichBehaviorHints(t *testing.T) {
	e := newTestEnricher()
	s := e.Enrich(stremio.Stream{
		InfoHash: "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c",
		Name:     "Torrentio 1080p",
		Title:    "💾 12 GB 📦 48 GB",
		BehaviorHints: &stremio.StreamBehaviorHints{
			Filename:   "Some.Movie.2023.1080p.mkv",
			VideoSize:  123456789,
			BingeGroup: "grp-1080p",
		},
	}, testDesc, "movie")
	// Explicit hints win over description parsing
	assert.Equal(t, "Some.Movie.2023.1080p.mkv", s.Filename)
	assert.Equal(t, int64(123456789), s.Size)
	assert.Equal(t, "grp-1080p", s.BingeGroup)
	assert.Equal(t, int64(48*(1<<30)), s.FolderSize)
	// The description line carries sizes, so it's no folder name
	assert.Empty(t, s.FolderName)
}

func TestEnrichFolderName(t *testing.T) {
	e := newTestEnricher()
	s := e.Enrich(stremio.Stream{
		InfoHash: "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c",
		Name:     "Torrentio 1080p",
		Title:    "Some.Show.S01.1080p.WEB\nSome.Show.S01E03.1080p.WEB.mkv",
		BehaviorHints: &stremio.StreamBehaviorHints{
			Filename: "Some.Show.S01E03.1080p.WEB.mkv",
		},
	}, testDesc, "series")
	assert.Equal(t, "Some.Show.S01.1080p.WEB", s.FolderName)
}

func TestEnrichFlagLanguages(t *testing.T) {
	e := newTestEnricher()
	s := e.Enrich(stremio.Stream{
		InfoHash: "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c",
		Name:     "Torrentio 1080p 🇩🇪",
		Title:    "Irgendein.Film.2023.German.1080p.BluRay.x264.mkv",
	}, testDesc, "movie")
	require.NotNil(t, s.File)
	assert.Contains(t, s.File.Languages, "German")
}

func TestEnrichYoutube(t *testing.T) {
	e := newTestEnricher()
	s := e.Enrich(stremio.Stream{YoutubeID: "dQw4w9WgXcQ", Name: "Trailer"}, testDesc, "movie")
	assert.Equal(t, TypeYoutube, s.Type)
	assert.Equal(t, "dQw4w9WgXcQ", s.YoutubeID)
}

func TestEnrichExternal(t *testing.T) {
	e := newTestEnricher()
	s := e.Enrich(stremio.Stream{ExternalURL: "https://example.com/watch", Name: "External"}, testDesc, "movie")
	assert.Equal(t, TypeExternal, s.Type)
	assert.Equal(t, "https://example.com/watch", s.ExternalURL)
}

func TestEnrichNoPlayableSource(t *testing.T) {
	e := newTestEnricher()

	s := e.Enrich(stremio.Stream{Name: "Broken entry"}, testDesc, "movie")
	require.Equal(t, TypeError, s.Type)
	require.NotNil(t, s.Error)
	assert.Equal(t, "Torrentio", s.Error.Title)

	// Upstream total counters pass through as statistic entries instead
	s = e.Enrich(stremio.Stream{Name: "Torrentio", Title: "📊 42 results"}, testDesc, "movie")
	require.Equal(t, TypeStatistic, s.Type)
	assert.Equal(t, "Torrentio", s.OriginalName)
}

func TestEnrichLibraryMarker(t *testing.T) {
	e := newTestEnricher()

	s := e.Enrich(stremio.Stream{
		InfoHash: "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c",
		Name:     "Torrentio ☁️ 1080p",
	}, testDesc, "movie")
	assert.True(t, s.Library)

	libraryDesc := *testDesc
	libraryDesc.Library = true
	s = e.Enrich(stremio.Stream{
		InfoHash: "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c",
		Name:     "Torrentio 1080p",
	}, &libraryDesc, "movie")
	assert.True(t, s.Library)
}
