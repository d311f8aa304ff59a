package parser

import (
	"regexp"
	"strconv"
	"strings"

	ptn "github.com/razsteinmetz/go-ptn"
)

// File holds the attributes extracted from a release name or filename.
// All fields are normalized to the canonical token sets used by filtering
// and sorting; empty strings and nil slices mean "not detected".
type File struct {
	Title           string
	Year            int
	Season          int
	Seasons         []int // Set for season packs like "S01-S03"
	Episode         int
	AbsoluteEpisode int
	Resolution      string
	Quality         string
	Encode          string
	VisualTags      []string
	AudioTags       []string
	AudioChannels   []string
	Languages       []string
	ReleaseGroup    string
	Container       string
	Extension       string
}

type tagPattern struct {
	tag string
	re  *regexp.Regexp
	// Tags whose presence makes this one redundant ("HDR" inside "HDR10").
	// RE2 has no lookahead, so overlaps are resolved here instead.
	shadowedBy []string
}

var (
	visualTagPatterns = []tagPattern{
		{tag: "HDR10+", re: regexp.MustCompile(`(?i)\bHDR10(\+|plus)`)},
		{tag: "HDR10", re: regexp.MustCompile(`(?i)\bHDR10\b`), shadowedBy: []string{"HDR10+"}},
		{tag: "HDR", re: regexp.MustCompile(`(?i)\bHDR\b`), shadowedBy: []string{"HDR10+", "HDR10"}},
		{tag: "DV", re: regexp.MustCompile(`(?i)\b(dolby.?vision|DoVi|DV)\b`)},
		{tag: "SDR", re: regexp.MustCompile(`(?i)\bSDR\b`)},
		{tag: "10bit", re: regexp.MustCompile(`(?i)\b(10.?bit|hi10p?)\b`)},
		{tag: "3D", re: regexp.MustCompile(`(?i)\b3D\b`)},
		{tag: "IMAX", re: regexp.MustCompile(`(?i)\bIMAX\b`)},
		{tag: "AI", re: regexp.MustCompile(`(?i)\bai.?upscaled?\b`)},
	}

	audioTagPatterns = []tagPattern{
		{tag: "Atmos", re: regexp.MustCompile(`(?i)\batmos\b`)},
		{tag: "TrueHD", re: regexp.MustCompile(`(?i)\btrue.?hd\b`)},
		{tag: "DTS-HD MA", re: regexp.MustCompile(`(?i)\bdts.?hd.?ma\b`)},
		{tag: "DTS-HD", re: regexp.MustCompile(`(?i)\bdts.?hd\b`), shadowedBy: []string{"DTS-HD MA"}},
		{tag: "DTS", re: regexp.MustCompile(`(?i)\bdts\b`), shadowedBy: []string{"DTS-HD MA", "DTS-HD"}},
		{tag: "DD+", re: regexp.MustCompile(`(?i)\b(ddp|dd\+|e.?ac.?3)`)},
		{tag: "DD", re: regexp.MustCompile(`(?i)(\bdd[\s.]?[2457]\.[01]|\bdd\b|\bac.?3\b|\bdolby.?digital\b)`), shadowedBy: []string{"DD+"}},
		{tag: "FLAC", re: regexp.MustCompile(`(?i)\bflac\b`)},
		{tag: "AAC", re: regexp.MustCompile(`(?i)\baac\b`)},
		{tag: "OPUS", re: regexp.MustCompile(`(?i)\bopus\b`)},
		{tag: "MP3", re: regexp.MustCompile(`(?i)\bmp3\b`)},
	}

	audioChannelRE = regexp.MustCompile(`(?i)([2457])\.([01])\b`)

	resolutionRE = regexp.MustCompile(`(?i)\b(4320|2160|1440|1080|720|576|480|360)[pi]\b`)
	uhdTokenRE   = regexp.MustCompile(`(?i)\b(4k|uhd)\b`)

	// Ordered most specific first; the first hit wins.
	qualityPatterns = []struct {
		quality string
		re      *regexp.Regexp
	}{
		{"BluRay REMUX", regexp.MustCompile(`(?i)\bremux\b`)},
		{"BluRay", regexp.MustCompile(`(?i)\b(blu.?ray|bd(rip)?|br.?rip)\b`)},
		{"WEBRip", regexp.MustCompile(`(?i)\bweb.?rip\b`)},
		{"WEB-DL", regexp.MustCompile(`(?i)(\bweb.?dl\b|\bweb\b)`)},
		{"HDRip", regexp.MustCompile(`(?i)\bhd.?rip\b`)},
		{"HDTV", regexp.MustCompile(`(?i)\b(hdtv|pdtv|dsr)\b`)},
		{"SCR", regexp.MustCompile(`(?i)\b(dvd.?|bd.?|web.?)?scr(eener)?\b`)},
		{"DVDRip", regexp.MustCompile(`(?i)\b(dvd.?rip|dvd)\b`)},
		{"TC", regexp.MustCompile(`(?i)(\bhd.?tc\b|\btc\b|\btelecine\b)`)},
		{"TS", regexp.MustCompile(`(?i)(\bhd.?ts\b|\bts\b|\btelesync\b)`)},
		{"CAM", regexp.MustCompile(`(?i)\b(cam(rip)?|hdcam)\b`)},
	}

	encodePatterns = []struct {
		encode string
		re     *regexp.Regexp
	}{
		{"AV1", regexp.MustCompile(`(?i)\bav1\b`)},
		{"HEVC", regexp.MustCompile(`(?i)\b([xh].?265|hevc)\b`)},
		{"AVC", regexp.MustCompile(`(?i)\b([xh].?264|avc)\b`)},
		{"XviD", regexp.MustCompile(`(?i)\bxvid\b`)},
		{"DivX", regexp.MustCompile(`(?i)\bdivx\b`)},
	}

	languagePatterns = []struct {
		lang string
		re   *regexp.Regexp
	}{
		{"Multi", regexp.MustCompile(`(?i)\b(multi(.?(lang|audio|subs?))?|dual.?audio)\b`)},
		{"English", regexp.MustCompile(`(?i)\b(english|eng)\b`)},
		{"German", regexp.MustCompile(`(?i)\b(german|deutsch)\b`)},
		{"French", regexp.MustCompile(`(?i)\b(french|vff|vfq|truefrench)\b`)},
		{"Spanish", regexp.MustCompile(`(?i)\b(spanish|castellano|latino)\b`)},
		{"Italian", regexp.MustCompile(`(?i)\b(italian|ita)\b`)},
		{"Portuguese", regexp.MustCompile(`(?i)\b(portuguese|legendado|dublado)\b`)},
		{"Russian", regexp.MustCompile(`(?i)\b(russian|rus)\b`)},
		{"Japanese", regexp.MustCompile(`(?i)\b(japanese|jpn)\b`)},
		{"Korean", regexp.MustCompile(`(?i)\b(korean|kor)\b`)},
		{"Hindi", regexp.MustCompile(`(?i)\b(hindi|hin)\b`)},
		{"Chinese", regexp.MustCompile(`(?i)\b(chinese|mandarin)\b`)},
	}

	seasonEpRE     = regexp.MustCompile(`(?i)\bs(\d{1,2})[ .]?e(\d{1,3})\b`)
	seasonRangeRE  = regexp.MustCompile(`(?i)\bs(?:eason[ .]?)?(\d{1,2})[ .-]{1,3}(?:s(?:eason[ .]?)?)?(\d{1,2})\b`)
	seasonOnlyRE   = regexp.MustCompile(`(?i)\bs(?:eason[ .]?)?(\d{1,2})\b`)
	absEpisodeRE   = regexp.MustCompile(`(?i)[ .-](?:ep?[ .]?)?(\d{2,4})[ .]?(\[|\(|v\d|$)`)
	releaseGroupRE = regexp.MustCompile(`-\s?([A-Za-z0-9][A-Za-z0-9._]+)$`)

	videoExtensions = map[string]struct{}{
		"mkv": {}, "mp4": {}, "avi": {}, "mov": {}, "wmv": {}, "flv": {},
		"webm": {}, "mpg": {}, "mpeg": {}, "m4v": {}, "ts": {}, "m2ts": {},
	}
	junkExtensions = map[string]struct{}{
		"nfo": {}, "srt": {}, "sub": {}, "idx": {}, "txt": {}, "jpg": {},
		"png": {}, "exe": {}, "rar": {}, "zip": {}, "sfv": {},
	}

	sampleRE = regexp.MustCompile(`(?i)\bsample\b`)
)

// Parse extracts structured attributes from a release name or filename.
// It is idempotent and side-effect free. It returns nil when the input is
// recognizably not a video (junk extension or sample file).
func Parse(name string) *File {
	if name == "" {
		return nil
	}

	f := &File{}
	f.Extension = extension(name)
	if _, junk := junkExtensions[f.Extension]; junk {
		return nil
	}
	if sampleRE.MatchString(name) && len(name) < 64 {
		return nil
	}
	stem := name
	if f.Extension != "" {
		stem = name[:len(name)-len(f.Extension)-1]
	}

	// The wrapped parser provides title, year, season/episode and container.
	// Everything it misses is filled in from this package's own patterns below.
	if info, err := ptn.Parse(name); err == nil && info != nil {
		f.Title = info.Title
		f.Year = info.Year
		f.Season = info.Season
		f.Episode = info.Episode
		f.Container = info.Container
		f.ReleaseGroup = info.Group
	}

	if m := seasonEpRE.FindStringSubmatch(name); m != nil {
		f.Season, _ = strconv.Atoi(m[1])
		f.Episode, _ = strconv.Atoi(m[2])
	} else if m := seasonRangeRE.FindStringSubmatch(name); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		if lo >= 1 && hi > lo {
			for s := lo; s <= hi; s++ {
				f.Seasons = append(f.Seasons, s)
			}
			f.Season = lo
		}
	} else if f.Season == 0 {
		if m := seasonOnlyRE.FindStringSubmatch(name); m != nil {
			f.Season, _ = strconv.Atoi(m[1])
		}
	}
	if f.Season == 0 && f.Episode == 0 {
		if m := absEpisodeRE.FindStringSubmatch(stem); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n != f.Year {
				f.AbsoluteEpisode = n
			}
		}
	}

	if m := resolutionRE.FindStringSubmatch(name); m != nil {
		f.Resolution = strings.ToLower(m[1]) + "p"
	} else if uhdTokenRE.MatchString(name) {
		f.Resolution = "2160p"
	}

	for _, p := range qualityPatterns {
		if p.re.MatchString(stem) {
			f.Quality = p.quality
			break
		}
	}
	for _, p := range encodePatterns {
		if p.re.MatchString(name) {
			f.Encode = p.encode
			break
		}
	}
	f.VisualTags = matchTags(visualTagPatterns, name)
	f.AudioTags = matchTags(audioTagPatterns, name)
	if m := audioChannelRE.FindStringSubmatch(name); m != nil {
		f.AudioChannels = append(f.AudioChannels, m[1]+"."+m[2])
	}
	for _, p := range languagePatterns {
		if p.re.MatchString(name) {
			f.Languages = append(f.Languages, p.lang)
		}
	}

	if f.ReleaseGroup == "" {
		if m := releaseGroupRE.FindStringSubmatch(stem); m != nil {
			f.ReleaseGroup = m[1]
		}
	}
	if f.Title == "" {
		f.Title = fallbackTitle(name)
	}

	return f
}

func matchTags(patterns []tagPattern, name string) []string {
	var tags []string
	hit := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		if !p.re.MatchString(name) {
			continue
		}
		shadowed := false
		for _, s := range p.shadowedBy {
			if hit[s] {
				shadowed = true
				break
			}
		}
		if shadowed {
			continue
		}
		hit[p.tag] = true
		tags = append(tags, p.tag)
	}
	return tags
}

// IsVideoFile reports whether the name carries a known video extension.
func IsVideoFile(name string) bool {
	_, ok := videoExtensions[extension(name)]
	return ok
}

func extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i == -1 || i == len(name)-1 || len(name)-i > 6 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

// fallbackTitle recovers a readable title when the wrapped parser fails:
// everything up to the first year/season/resolution marker, dots to spaces.
func fallbackTitle(name string) string {
	cut := len(name)
	for _, re := range []*regexp.Regexp{yearRE, seasonOnlyRE, resolutionRE} {
		if loc := re.FindStringIndex(name); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	title := name[:cut]
	title = strings.NewReplacer(".", " ", "_", " ").Replace(title)
	return strings.TrimSpace(strings.Trim(title, " -(["))
}

var yearRE = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// NormalizeTitle lowercases, strips punctuation and collapses whitespace so
// two spellings of the same title compare equal.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	lastSpace := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
