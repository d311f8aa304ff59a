package debrid

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/fetch"
	"github.com/doingodswork/streamfusion/pkg/lock"
)

// rdFixture scripts a RealDebrid API server for one torrent lifecycle:
// instant availability hit, addMagnet, selection, ready with one link,
// unrestrict.
type rdFixture struct {
	t    *testing.T
	hash string

	mu       sync.Mutex
	selected string
	infoHits int
}

func (s *rdFixture) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/torrents/instantAvailability/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, "Bearer KEY", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"%s":{"rd":[{"2":{"filename":"Some.Movie.2023.1080p.BluRay.x264-GRP.mkv","filesize":2000000000}}]}}`, s.hash)
	})
	mux.HandleFunc("/torrents/addMagnet", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, http.MethodPost, r.Method)
		assert.NoError(s.t, r.ParseForm())
		assert.Contains(s.t, r.FormValue("magnet"), s.hash)
		fmt.Fprint(w, `{"id":"T1","uri":"https://real-debrid.com/torrents/T1"}`)
	})
	mux.HandleFunc("/torrents/info/T1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		selected := s.selected
		s.infoHits++
		s.mu.Unlock()
		if selected == "" {
			fmt.Fprint(w, `{
				"id": "T1",
				"filename": "Some.Movie.2023.1080p.BluRay.x264-GRP",
				"status": "waiting_files_selection",
				"files": [
					{"id": 1, "path": "/extras/sample.mkv", "bytes": 50000000, "selected": 0},
					{"id": 2, "path": "/Some.Movie.2023.1080p.BluRay.x264-GRP.mkv", "bytes": 2000000000, "selected": 0}
				],
				"links": []
			}`)
			return
		}
		fmt.Fprint(w, `{
			"id": "T1",
			"filename": "Some.Movie.2023.1080p.BluRay.x264-GRP",
			"status": "downloaded",
			"files": [
				{"id": 1, "path": "/extras/sample.mkv", "bytes": 50000000, "selected": 0},
				{"id": 2, "path": "/Some.Movie.2023.1080p.BluRay.x264-GRP.mkv", "bytes": 2000000000, "selected": 1}
			],
			"links": ["https://real-debrid.com/d/ABC"]
		}`)
	})
	mux.HandleFunc("/torrents/selectFiles/T1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, http.MethodPost, r.Method)
		assert.NoError(s.t, r.ParseForm())
		s.mu.Lock()
		s.selected = r.FormValue("files")
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/unrestrict/link", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(s.t, r.ParseForm())
		assert.Equal(s.t, "https://real-debrid.com/d/ABC", r.FormValue("link"))
		assert.Equal(s.t, "203.0.113.7", r.FormValue("ip"))
		fmt.Fprint(w, `{"download":"https://cdn.real-debrid.com/movie.mkv"}`)
	})
	return mux
}

func newTestFetcher(t *testing.T) *fetch.Client {
	t.Helper()
	fetcher, err := fetch.NewClient(fetch.ClientOptions{
		Timeout:       5 * time.Second,
		RetryAttempts: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	return fetcher
}

// The full click path against a scripted API: availability check, add,
// file selection, links, unrestrict.
func TestRealDebridResolveEndToEnd(t *testing.T) {
	fixture := &rdFixture{t: t, hash: "f0e1d2c3b4a5968778695a4b3c2d1e0f12345678"}
	srv := httptest.NewServer(fixture.handler())
	defer srv.Close()

	rd, err := NewRealDebrid(RealDebridOptions{BaseURL: srv.URL}, newTestFetcher(t), zap.NewNop())
	require.NoError(t, err)
	resolver, err := NewResolver([]Service{rd}, lock.NewLocalLock(), fastResolverOpts, zap.NewNop())
	require.NoError(t, err)

	req := testRequest()
	req.ClientIP = "203.0.113.7"
	streamURL, err := resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.real-debrid.com/movie.mkv", streamURL)

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	// The movie file was selected, not the sample.
	require.Equal(t, "2", fixture.selected)
	// Once after adding, once after selecting. Ready on arrival, no polling.
	require.Equal(t, 2, fixture.infoHits)
}

func TestRealDebridCheckAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Empty variants prove nothing; only hash "aa..." has real file info.
		fmt.Fprint(w, `{
			"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": {"rd": [{"1": {"filename": "a.mkv", "filesize": 123}}]},
			"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb": {"rd": [{}]},
			"cccccccccccccccccccccccccccccccccccccccc": {}
		}`)
	}))
	defer srv.Close()

	rd, err := NewRealDebrid(RealDebridOptions{BaseURL: srv.URL}, newTestFetcher(t), zap.NewNop())
	require.NoError(t, err)

	available, err := rd.CheckAvailability(context.Background(), "KEY", []string{
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"cccccccccccccccccccccccccccccccccccccccc",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, available)
}

func TestRealDebridCodedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad_token","error_code":8}`)
	}))
	defer srv.Close()

	rd, err := NewRealDebrid(RealDebridOptions{BaseURL: srv.URL}, newTestFetcher(t), zap.NewNop())
	require.NoError(t, err)

	_, err = rd.CheckAvailability(context.Background(), "BADKEY", []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	requireCode(t, err, CodeUnauthorized)
}
