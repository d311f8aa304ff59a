package stream

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/parser"
	"github.com/doingodswork/streamfusion/pkg/stremio"
)

// Upstream addons pack attributes into the description with a de-facto
// emoji convention. These are best-effort: a miss just leaves the field
// empty.
var (
	markedSizeRE = regexp.MustCompile(`💾\s*(\d+(?:\.\d+)?)\s*(?i:(KiB|MiB|GiB|TiB|KB|MB|GB|TB))\b`)
	folderSizeRE = regexp.MustCompile(`📦\s*(\d+(?:\.\d+)?)\s*(?i:(KiB|MiB|GiB|TiB|KB|MB|GB|TB))\b`)
	plainSizeRE  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(KiB|MiB|GiB|TiB|KB|MB|GB|TB)\b`)
	seedersRE    = regexp.MustCompile(`(?:👤|👥|(?i:seeders?:?))\s*(\d+)`)
	indexerRE    = regexp.MustCompile(`(?:⚙️|🔍)\s*([A-Za-z0-9.+-]+)`)
	ageRE        = regexp.MustCompile(`(?i)(?:📅|🕐|\bage:?)\s*(\d+)\s*d`)
	// Name markers like "[RD+] Torrentio" attribute a stream to a service
	// and carry its cache state.
	serviceMarkerRE = regexp.MustCompile(`\[([A-Z]{2,3})(\+|⚡|⏳| download)?\]`)
	// Some upstreams append a pseudo-stream reporting totals, e.g.
	// "📊 42 results". Those pass through unfiltered instead of becoming
	// error streams.
	statisticRE = regexp.MustCompile(`(?i)📊|\b\d+\s+results?\b`)
)

var flagLanguages = []struct {
	flag     string
	language string
}{
	{"🇬🇧", "English"}, {"🇺🇸", "English"},
	{"🇩🇪", "German"}, {"🇫🇷", "French"},
	{"🇪🇸", "Spanish"}, {"🇲🇽", "Spanish"},
	{"🇮🇹", "Italian"}, {"🇵🇹", "Portuguese"}, {"🇧🇷", "Portuguese"},
	{"🇷🇺", "Russian"}, {"🇯🇵", "Japanese"}, {"🇰🇷", "Korean"},
	{"🇮🇳", "Hindi"}, {"🇨🇳", "Chinese"},
}

// Enricher turns upstream wire streams into canonical records.
type Enricher struct {
	memo   *parser.Memo
	logger *zap.Logger
}

func NewEnricher(memo *parser.Memo, logger *zap.Logger) *Enricher {
	return &Enricher{memo: memo, logger: logger}
}

// Enrich builds the canonical record for one upstream stream. It never
// returns nil: entries without any playable source become inline error
// streams instead of being dropped silently.
func (e *Enricher) Enrich(raw stremio.Stream, desc *addon.Descriptor, mediaType string) *Stream {
	description := raw.Description
	if description == "" {
		description = raw.Title
	}
	var filename string
	if raw.BehaviorHints != nil {
		filename = raw.BehaviorHints.Filename
	}

	s := &Stream{
		Addon:               desc,
		OriginalName:        raw.Name,
		OriginalDescription: description,
		Subtitles:           raw.Subtitles,
		Filename:            filename,
	}
	if raw.BehaviorHints != nil {
		s.Size = raw.BehaviorHints.VideoSize
		s.BingeGroup = raw.BehaviorHints.BingeGroup
		s.NotWebReady = raw.BehaviorHints.NotWebReady
		s.CountryWhitelist = raw.BehaviorHints.CountryWhitelist
		s.ProxyHeaders = raw.BehaviorHints.ProxyHeaders
	}

	// Parse the release name: explicit filename first, then the first
	// description line, then the addon-facing name.
	descLine := strings.TrimSpace(firstLine(description))
	parsed := e.memo.Parse(filename)
	if parsed == nil {
		if parsed = e.memo.Parse(descLine); parsed != nil && s.Filename == "" && parser.IsVideoFile(descLine) {
			s.Filename = descLine
		}
	}
	if parsed == nil {
		parsed = e.memo.Parse(raw.Name)
	}

	if s.Size == 0 {
		if m := markedSizeRE.FindStringSubmatch(description); m != nil {
			s.Size = sizeBytes(m[1], m[2])
		} else if m := plainSizeRE.FindStringSubmatch(description); m != nil {
			s.Size = sizeBytes(m[1], m[2])
		}
	}
	if m := folderSizeRE.FindStringSubmatch(description); m != nil {
		s.FolderSize = sizeBytes(m[1], m[2])
	}
	seeders := 0
	if m := seedersRE.FindStringSubmatch(description); m != nil {
		seeders, _ = strconv.Atoi(m[1])
	}
	if m := indexerRE.FindStringSubmatch(description); m != nil {
		s.Indexer = m[1]
	}
	if m := ageRE.FindStringSubmatch(description); m != nil {
		if days, err := strconv.Atoi(m[1]); err == nil {
			s.Age = time.Duration(days) * 24 * time.Hour
		}
	}

	svcID, svcCached, svcFound := detectService(raw.URL, raw.Name)
	switch {
	case raw.YoutubeID != "":
		s.Type = TypeYoutube
		s.YoutubeID = raw.YoutubeID
	case raw.InfoHash != "":
		s.Type = TypeP2P
		s.Torrent = &Torrent{
			InfoHash:  strings.ToLower(raw.InfoHash),
			FileIndex: raw.FileIndex,
			Seeders:   seeders,
			Sources:   raw.Sources,
		}
	case raw.NZB != "":
		s.Type = TypeUsenet
		s.NZB = raw.NZB
		s.URL = raw.URL
		if svcFound {
			s.Service = &Service{ID: svcID, Cached: svcCached}
		}
	case raw.URL != "":
		s.URL = raw.URL
		if svcFound {
			s.Type = TypeDebrid
			s.Service = &Service{ID: svcID, Cached: svcCached}
		} else if mediaType == "tv" {
			s.Type = TypeLive
		} else {
			s.Type = TypeHTTP
		}
	case raw.ExternalURL != "":
		s.Type = TypeExternal
		s.ExternalURL = raw.ExternalURL
	default:
		if raw.Name != "" && statisticRE.MatchString(raw.Name+" "+description) {
			return NewStatisticStream(raw.Name, description)
		}
		e.logger.Debug("Upstream stream has no playable source",
			zap.String("addon", desc.InstanceID), zap.String("name", raw.Name))
		return NewErrorStream(desc, desc.DisplayName, "stream has no playable source")
	}
	// Debrid and usenet streams originating from torrents keep their
	// swarm health even without an info hash.
	if s.Torrent == nil && seeders > 0 && (s.Type == TypeDebrid || s.Type == TypeUsenet) {
		s.Torrent = &Torrent{Seeders: seeders}
	}

	if parsed == nil {
		parsed = &parser.File{Title: parser.NormalizeTitle(firstNonEmpty(descLine, raw.Name))}
	}
	if extra := flagLanguagesIn(raw.Name + " " + description); len(extra) > 0 {
		// The memo shares parse results, never mutate them in place
		clone := *parsed
		clone.Languages = mergeStrings(parsed.Languages, extra)
		parsed = &clone
	}
	s.File = parsed

	if s.Filename != "" && descLine != "" && descLine != s.Filename &&
		!strings.ContainsAny(descLine, "💾👤⚙📦⚡⏳") {
		s.FolderName = descLine
	}
	if desc.Library || strings.Contains(raw.Name, "☁") {
		s.Library = true
	}
	return s
}

func detectService(rawURL, name string) (debrid.ServiceID, bool, bool) {
	if m := serviceMarkerRE.FindStringSubmatch(name); m != nil {
		if id, found := debrid.ServiceFromShortCode(m[1]); found {
			marker := m[2]
			cached := marker == "" || marker == "+" || marker == "⚡"
			return id, cached, true
		}
	}
	if rawURL != "" {
		if parsed, err := url.Parse(rawURL); err == nil {
			if id, found := debrid.ServiceFromHost(parsed.Hostname()); found {
				// A service-hosted URL is already resolved, i.e. cached
				return id, true, true
			}
		}
	}
	return "", false, false
}

func flagLanguagesIn(text string) []string {
	var languages []string
	for _, fl := range flagLanguages {
		if strings.Contains(text, fl.flag) && !containsString(languages, fl.language) {
			languages = append(languages, fl.language)
		}
	}
	return languages
}

func mergeStrings(base, extra []string) []string {
	merged := make([]string, 0, len(base)+len(extra))
	merged = append(merged, base...)
	for _, s := range extra {
		if !containsString(merged, s) {
			merged = append(merged, s)
		}
	}
	return merged
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i != -1 {
		return s[:i]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sizeBytes(num, unit string) int64 {
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	var mult float64
	switch strings.ToLower(unit) {
	case "kb", "kib":
		mult = 1 << 10
	case "mb", "mib":
		mult = 1 << 20
	case "gb", "gib":
		mult = 1 << 30
	case "tb", "tib":
		mult = 1 << 40
	}
	return int64(value * mult)
}
