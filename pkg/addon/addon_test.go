package addon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/fetch"
	"github.com/doingodswork/streamfusion/pkg/lock"
)

const testManifest = `{
	"id": "com.example.test",
	"name": "Test Addon",
	"version": "1.2.3",
	"types": ["movie", "series"],
	"resources": [
		"stream",
		{"name": "meta", "types": ["series"], "idPrefixes": ["tt"]}
	],
	"idPrefixes": ["tt", "kitsu"]
}`

func TestParseManifestSupports(t *testing.T) {
	info, err := parseManifest([]byte(testManifest))
	require.NoError(t, err)
	require.Equal(t, "com.example.test", info.ID)
	require.Equal(t, "Test Addon", info.Name)

	// String resources inherit addon-level types and ID prefixes
	require.True(t, info.Supports("stream", "movie", "tt0133093"))
	require.True(t, info.Supports("stream", "series", "kitsu:1:2"))
	require.False(t, info.Supports("stream", "channel", "tt0133093"))
	require.False(t, info.Supports("stream", "movie", "yt:abc"))
	// Object resources carry their own restrictions
	require.True(t, info.Supports("meta", "series", "tt0944947"))
	require.False(t, info.Supports("meta", "movie", "tt0133093"))
	require.False(t, info.Supports("meta", "series", "kitsu:1"))
	require.False(t, info.Supports("subtitles", "movie", "tt0133093"))

	_, err = parseManifest([]byte("not json"))
	require.Error(t, err)
	_, err = parseManifest([]byte(`{"name": "no id or resources"}`))
	require.Error(t, err)
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	descs := r.Build([]PresetConfig{
		{Preset: "custom", InstanceID: "cst1", URL: "https://addon.example.com/manifest.json"},
		{Preset: "does-not-exist", InstanceID: "bad1"},
		{Preset: "custom", InstanceID: "cst2"}, // broken: no URL
		{Preset: "torrentio", InstanceID: "tor1", Options: map[string]string{"config": "realdebrid=KEY"}},
		{Preset: "torrentio", InstanceID: "tor1"}, // duplicate instance ID
	})

	require.Len(t, descs, 2)
	require.Equal(t, "cst1", descs[0].InstanceID)
	require.Equal(t, "addon.example.com", descs[0].DisplayName)
	require.Equal(t, "tor1", descs[1].InstanceID)
	require.Equal(t, "https://torrentio.strem.io/realdebrid=KEY/manifest.json", descs[1].ManifestURL)
	require.Equal(t, "TIO", descs[1].ShortID)
	require.Equal(t, defaultAddonTimeout, descs[1].Timeout)
}

func newTestAddonClient(t *testing.T) *Client {
	t.Helper()
	fetcher, err := fetch.NewClient(fetch.DefaultClientOpts, zap.NewNop())
	require.NoError(t, err)
	client, err := NewClient(DefaultClientOpts, fetcher, lock.NewLocalLock(), zap.NewNop())
	require.NoError(t, err)
	return client
}

func newTestDescriptor(manifestURL string) Descriptor {
	return Descriptor{
		InstanceID:  "test1",
		PresetID:    "custom",
		DisplayName: "Test Addon",
		ManifestURL: manifestURL,
		Timeout:     2 * time.Second,
	}
}

func TestFetchStreams(t *testing.T) {
	ctx := context.Background()
	var manifestHits, streamHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&manifestHits, 1)
		w.Write([]byte(testManifest))
	})
	mux.HandleFunc("/stream/movie/tt0133093.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&streamHits, 1)
		w.Write([]byte(`{"streams": [
			{"name": "Test\n4k", "title": "Movie 2160p", "infoHash": "f07e0b0584745b7bcb35e98097488d34e68623d0", "fileIdx": 1,
			 "behaviorHints": {"filename": "Movie.2160p.mkv", "videoSize": 5000000000}},
			{"url": "https://cdn.example.com/movie.mp4", "name": "HTTP"},
			42
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAddonClient(t)
	desc := newTestDescriptor(srv.URL + "/manifest.json")
	req := StreamsRequest{Type: "movie", ID: "tt0133093"}

	streams, err := client.FetchStreams(ctx, desc, req)
	require.NoError(t, err)
	// The malformed third item is skipped, not fatal
	require.Len(t, streams, 2)
	require.Equal(t, "f07e0b0584745b7bcb35e98097488d34e68623d0", streams[0].InfoHash)
	require.Equal(t, 1, streams[0].FileIndex)
	require.NotNil(t, streams[0].BehaviorHints)
	require.Equal(t, "Movie.2160p.mkv", streams[0].BehaviorHints.Filename)
	require.EqualValues(t, 5000000000, streams[0].BehaviorHints.VideoSize)
	require.Equal(t, "https://cdn.example.com/movie.mp4", streams[1].URL)

	// Identical fetches are memoized: no second upstream call
	streams, err = client.FetchStreams(ctx, desc, req)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	require.EqualValues(t, 1, atomic.LoadInt32(&streamHits))
	require.EqualValues(t, 1, atomic.LoadInt32(&manifestHits))

	// Undeclared media types are skipped without an upstream call
	streams, err = client.FetchStreams(ctx, desc, StreamsRequest{Type: "channel", ID: "tt0133093"})
	require.NoError(t, err)
	require.Nil(t, streams)
	require.EqualValues(t, 1, atomic.LoadInt32(&streamHits))
}

func TestFetchStreamsHTTPError(t *testing.T) {
	ctx := context.Background()
	var streamHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testManifest))
	})
	mux.HandleFunc("/stream/movie/tt0133093.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&streamHits, 1)
		http.Error(w, "internal", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAddonClient(t)
	desc := newTestDescriptor(srv.URL + "/manifest.json")
	req := StreamsRequest{Type: "movie", ID: "tt0133093"}

	_, err := client.FetchStreams(ctx, desc, req)
	var addonErr *Error
	require.ErrorAs(t, err, &addonErr)
	require.Equal(t, ErrHTTP, addonErr.Kind)
	require.Equal(t, http.StatusInternalServerError, addonErr.Status)

	// Status responses are memoized like successes, so the upstream isn't
	// hammered while the result TTL lasts
	_, err = client.FetchStreams(ctx, desc, req)
	require.ErrorAs(t, err, &addonErr)
	require.Equal(t, http.StatusInternalServerError, addonErr.Status)
	require.EqualValues(t, 1, atomic.LoadInt32(&streamHits))
}

func TestFetchStreamsBadResponse(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testManifest))
	})
	mux.HandleFunc("/stream/movie/tt0133093.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAddonClient(t)
	_, err := client.FetchStreams(ctx, newTestDescriptor(srv.URL+"/manifest.json"), StreamsRequest{Type: "movie", ID: "tt0133093"})
	var addonErr *Error
	require.ErrorAs(t, err, &addonErr)
	require.Equal(t, ErrBadResponse, addonErr.Kind)
}

func TestFetchStreamsTimeout(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testManifest))
	})
	mux.HandleFunc("/stream/movie/tt0133093.json", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"streams": []}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAddonClient(t)
	desc := newTestDescriptor(srv.URL + "/manifest.json")
	desc.Timeout = 100 * time.Millisecond

	_, err := client.FetchStreams(ctx, desc, StreamsRequest{Type: "movie", ID: "tt0133093"})
	var addonErr *Error
	require.ErrorAs(t, err, &addonErr)
	require.Equal(t, ErrTimeout, addonErr.Kind)
}
