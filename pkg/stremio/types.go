package stremio

// Manifest describes the capabilities of an addon.
// See https://github.com/Stremio/stremio-addon-sdk/blob/ddaa3b80def8a44e553349734dd02ec9c3fea52c/docs/api/responses/manifest.md
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// One of the following is required
	// Note: Can only have one in code because of how Go (de-)serialization works
	//Resources     []string       `json:"resources,omitempty"`
	ResourceItems []ResourceItem `json:"resources,omitempty"`

	Types    []string      `json:"types"`
	Catalogs []CatalogItem `json:"catalogs"`

	// Optional
	IDprefixes    []string      `json:"idPrefixes,omitempty"`
	Background    string        `json:"background,omitempty"` // URL
	Logo          string        `json:"logo,omitempty"`       // URL
	ContactEmail  string        `json:"contactEmail,omitempty"`
	BehaviorHints BehaviorHints `json:"behaviorHints,omitempty"`
}

type ResourceItem struct {
	Name  string   `json:"name"`
	Types []string `json:"types"`

	// Optional
	IDprefixes []string `json:"idPrefixes,omitempty"`
}

type BehaviorHints struct {
	// Note: Must include `omitempty`, otherwise it will be included if this struct is used in another one, even if the field of the containing struct is marked as `omitempty`
	Adult                 bool `json:"adult,omitempty"`
	Configurable          bool `json:"configurable,omitempty"`
	ConfigurationRequired bool `json:"configurationRequired,omitempty"`
}

// CatalogItem represents an item in the catalog
type CatalogItem struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`

	// Optional
	Extra []ExtraItem `json:"extra,omitempty"`
}

type ExtraItem struct {
	Name string `json:"name"`

	// Optional
	IsRequired   bool     `json:"isRequired,omitempty"`
	Options      []string `json:"options,omitempty"`
	OptionsLimit int      `json:"optionsLimit,omitempty"`
}

// Stream represents a single entry in a stream response.
// One of URL, YoutubeID, InfoHash or ExternalURL must be set.
// See https://github.com/Stremio/stremio-addon-sdk/blob/ddaa3b80def8a44e553349734dd02ec9c3fea52c/docs/api/responses/stream.md
type Stream struct {
	URL         string `json:"url,omitempty"` // URL
	YoutubeID   string `json:"ytId,omitempty"`
	InfoHash    string `json:"infoHash,omitempty"`
	ExternalURL string `json:"externalUrl,omitempty"` // URL

	// Optional
	Name        string     `json:"name,omitempty"`
	Title       string     `json:"title,omitempty"`       // Most clients render this as the description
	Description string     `json:"description,omitempty"` // Newer alias for Title
	FileIndex   int        `json:"fileIdx,omitempty"`     // Only when using InfoHash
	NZB         string     `json:"nzb,omitempty"`         // URL, Usenet addons only
	Sources     []string   `json:"sources,omitempty"`     // Tracker/DHT sources, only when using InfoHash
	Subtitles   []Subtitle `json:"subtitles,omitempty"`

	BehaviorHints *StreamBehaviorHints `json:"behaviorHints,omitempty"`
}

// StreamBehaviorHints give players directions for handling a stream.
type StreamBehaviorHints struct {
	Filename         string        `json:"filename,omitempty"`
	VideoSize        int64         `json:"videoSize,omitempty"`
	BingeGroup       string        `json:"bingeGroup,omitempty"`
	CountryWhitelist []string      `json:"countryWhitelist,omitempty"`
	NotWebReady      bool          `json:"notWebReady,omitempty"`
	ProxyHeaders     *ProxyHeaders `json:"proxyHeaders,omitempty"`
}

// ProxyHeaders are only honored by players when NotWebReady is set.
type ProxyHeaders struct {
	Request  map[string]string `json:"request,omitempty"`
	Response map[string]string `json:"response,omitempty"`
}

// Subtitle represents a subtitle track attached to a stream.
type Subtitle struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Lang string `json:"lang"`
}

// StreamResponse is the body of a stream resource response.
type StreamResponse struct {
	Streams []Stream `json:"streams"`
}

// MetaItem represents a meta item for a specific title.
// See https://github.com/Stremio/stremio-addon-sdk/blob/ddaa3b80def8a44e553349734dd02ec9c3fea52c/docs/api/responses/meta.md
type MetaItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`

	// Optional
	Poster      string      `json:"poster,omitempty"` // URL
	Background  string      `json:"background,omitempty"`
	Description string      `json:"description,omitempty"`
	Released    string      `json:"released,omitempty"` // ISO 8601, e.g. "2010-12-06T05:00:00.000Z"
	Videos      []VideoItem `json:"videos,omitempty"`
	Runtime     string      `json:"runtime,omitempty"`
}

type VideoItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Released string `json:"released"`

	// Optional
	Episode int `json:"episode,omitempty"`
	Season  int `json:"season,omitempty"`
}
