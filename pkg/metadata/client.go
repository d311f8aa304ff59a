package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/fetch"
)

type ClientOptions struct {
	BaseURL string
	// CacheAge bounds how long a fetched meta item is reused.
	CacheAge time.Duration
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://v3-cinemeta.strem.io",
	CacheAge: 24 * time.Hour,
}

// Client looks up title info on Cinemeta, Stremio's own metadata addon.
type Client struct {
	opts    ClientOptions
	fetcher *fetch.Client
	cache   *gocache.Cache
	logger  *zap.Logger
}

func NewClient(opts ClientOptions, fetcher *fetch.Client, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.CacheAge == 0 {
		return nil, errors.New("opts.CacheAge must not be 0")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	return &Client{
		opts:    opts,
		fetcher: fetcher,
		cache:   gocache.New(opts.CacheAge, 2*opts.CacheAge),
		logger:  logger,
	}, nil
}

// Lookup resolves a Stremio content ID to its title info. Series IDs carry
// the episode ("tt0903747:5:14"); movie IDs are the bare IMDb ID.
func (c *Client) Lookup(ctx context.Context, mediaType, id string) (Title, error) {
	imdbID, season, episode := splitContentID(id)
	item, err := c.meta(ctx, mediaType, imdbID)
	if err != nil {
		return Title{}, err
	}
	title := Title{
		Titles:  item.titles,
		Year:    item.year,
		Season:  season,
		Episode: episode,
	}
	if episode > 0 {
		title.AbsoluteEpisode = item.absoluteEpisode(season, episode)
	}
	return title, nil
}

// metaItem is the per-IMDb-ID part of a lookup, shared by all episodes of
// the same series via the cache.
type metaItem struct {
	titles   []string
	year     int
	episodes []seasonEpisode
}

type seasonEpisode struct {
	season  int
	episode int
}

// absoluteEpisode is the episode's 1-based position among the regular
// episodes (specials excluded), the numbering scheme anime releases often
// use instead of seasons.
func (m metaItem) absoluteEpisode(season, episode int) int {
	ordered := make([]seasonEpisode, len(m.episodes))
	copy(ordered, m.episodes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].season != ordered[j].season {
			return ordered[i].season < ordered[j].season
		}
		return ordered[i].episode < ordered[j].episode
	})
	for i, se := range ordered {
		if se.season == season && se.episode == episode {
			return i + 1
		}
	}
	return 0
}

func (c *Client) meta(ctx context.Context, mediaType, imdbID string) (metaItem, error) {
	cacheKey := mediaType + ":" + imdbID
	if cached, found := c.cache.Get(cacheKey); found {
		c.logger.Debug("Metadata cache hit", zap.String("imdbID", imdbID))
		return cached.(metaItem), nil
	}

	reqURL := c.opts.BaseURL + "/meta/" + mediaType + "/" + imdbID + ".json"
	res, err := c.fetcher.Do(ctx, fetch.Request{URL: reqURL})
	if err != nil {
		return metaItem{}, fmt.Errorf("Couldn't fetch metadata: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return metaItem{}, fmt.Errorf("Bad metadata response status: %d", res.StatusCode)
	}

	meta := gjson.GetBytes(res.Body, "meta")
	name := meta.Get("name").String()
	if name == "" {
		return metaItem{}, fmt.Errorf("No name in metadata response for %q", imdbID)
	}
	item := metaItem{
		titles: []string{name},
		year:   metaYear(meta),
	}
	for _, v := range meta.Get("videos").Array() {
		se := seasonEpisode{
			season:  int(v.Get("season").Int()),
			episode: int(v.Get("episode").Int()),
		}
		if se.episode == 0 {
			se.episode = int(v.Get("number").Int())
		}
		// Season 0 is the specials bucket
		if se.season > 0 && se.episode > 0 {
			item.episodes = append(item.episodes, se)
		}
	}

	c.cache.SetDefault(cacheKey, item)
	return item, nil
}

// metaYear parses Cinemeta's year field, "2011" for movies and "2011-2019"
// (or "2011-" for running shows) for series.
func metaYear(meta gjson.Result) int {
	year := meta.Get("year").String()
	if year == "" {
		year = meta.Get("releaseInfo").String()
	}
	if len(year) > 4 {
		year = year[:4]
	}
	n, _ := strconv.Atoi(year)
	return n
}

// splitContentID splits a series ID like "tt0903747:5:14" into the IMDb ID,
// season and episode. Anything else passes through unsplit.
func splitContentID(id string) (imdbID string, season, episode int) {
	if !strings.HasPrefix(id, "tt") {
		return id, 0, 0
	}
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return parts[0], 0, 0
	}
	season, _ = strconv.Atoi(parts[1])
	episode, _ = strconv.Atoi(parts[2])
	return parts[0], season, episode
}
