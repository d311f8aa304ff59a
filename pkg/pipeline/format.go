package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

// FormatOptions select the client-facing presentation. Template is one of
// "default", "minimal" or "custom"; custom uses the Name and Description
// templates, falling back to the default pair when one is empty.
type FormatOptions struct {
	Template    string `json:"template,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Built-in template pairs. Markers like ⚡/⏳, [P2P] and ☁️ come from the
// template text itself, never from code.
const (
	defaultNameTemplate = `{stream.proxied::exists[🛡️ ||]}{service.shortName::exists[[{service.shortName}{service.cached::exists[⚡||⏳]}] ||]}{stream.type::=p2p[[P2P] ||]}{config.addonName} {stream.resolution::exists[{stream.resolution}||]}{stream.visualTags::exists[ {stream.visualTags::join( | )}||]}{stream.library::exists[ ☁️||]}`

	defaultDescriptionTemplate = `{stream.title::exists[🎬 {stream.title}{stream.year::exists[ ({stream.year})||]}{stream.season::exists[ S{stream.season}{stream.episode::exists[E{stream.episode}||]}||]}
||]}{stream.quality::exists[🎥 {stream.quality} ||]}{stream.encode::exists[🎞️ {stream.encode} ||]}{stream.audioTags::exists[🎧 {stream.audioTags::join( | )}||]}
{stream.size::exists[💾 {stream.size::bytes} ||]}{stream.folderSize::exists[📦 {stream.folderSize::bytes} ||]}{stream.seeders::exists[👤 {stream.seeders} ||]}{stream.age::exists[🕒 {stream.age::time} ||]}{stream.indexer::exists[📡 {stream.indexer}||]}
{stream.languageEmojis::exists[{stream.languageEmojis::join( / )}||]}
{stream.filename::exists[📄 {stream.filename}||]}`

	minimalNameTemplate = `{service.shortName::exists[[{service.shortName}{service.cached::exists[⚡||⏳]}] ||]}{stream.type::=p2p[[P2P] ||]}{stream.resolution::exists[{stream.resolution}||{config.addonName}]}`

	minimalDescriptionTemplate = `{stream.filename::exists[{stream.filename}||🎬 {stream.title}]}{stream.size::exists[ 💾 {stream.size::bytes}||]}`
)

// Formatter renders the final name/description pair. Render never mutates
// the stream.
type Formatter struct {
	nameTmpl  string
	descTmpl  string
	addonName string
}

// NewFormatter builds a formatter. addonName is what {config.addonName}
// renders to.
func NewFormatter(opts FormatOptions, addonName string) *Formatter {
	f := &Formatter{nameTmpl: defaultNameTemplate, descTmpl: defaultDescriptionTemplate, addonName: addonName}
	switch strings.ToLower(opts.Template) {
	case "minimal":
		f.nameTmpl = minimalNameTemplate
		f.descTmpl = minimalDescriptionTemplate
	case "custom":
		if opts.Name != "" {
			f.nameTmpl = opts.Name
		}
		if opts.Description != "" {
			f.descTmpl = opts.Description
		}
	}
	return f
}

// Render produces the client-facing name and description for one stream.
// Passthrough addons and statistic streams keep their upstream presentation;
// error streams render the provider and the failure.
func (f *Formatter) Render(s *stream.Stream) (string, string) {
	switch {
	case s.Type == stream.TypeStatistic:
		return s.OriginalName, s.OriginalDescription
	case s.Type == stream.TypeError:
		name := "[❌] " + f.addonName
		if s.Addon != nil && s.Addon.DisplayName != "" {
			name = "[❌] " + s.Addon.DisplayName
		}
		desc := ""
		if s.Error != nil {
			desc = strings.TrimSpace(s.Error.Title + "\n" + s.Error.Description)
		}
		return name, desc
	case s.Addon != nil && s.Addon.FormatPassthrough:
		return s.OriginalName, s.OriginalDescription
	}
	name := cleanupRendered(renderTemplate(f.nameTmpl, s, f.addonName))
	desc := cleanupRendered(renderTemplate(f.descTmpl, s, f.addonName))
	return name, desc
}

// cleanupRendered trims trailing whitespace per line and drops empty lines.
func cleanupRendered(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// renderTemplate substitutes {path} references and {expr::OP[TRUE||FALSE]}
// snippets. Arms render recursively, so they may nest further references.
func renderTemplate(tmpl string, s *stream.Stream, addonName string) string {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		c := tmpl[i]
		if c != '{' {
			out.WriteByte(c)
			i++
			continue
		}
		end := matchingBrace(tmpl, i)
		if end < 0 {
			out.WriteByte(c)
			i++
			continue
		}
		out.WriteString(renderToken(tmpl[i+1:end], s, addonName))
		i = end + 1
	}
	return out.String()
}

// matchingBrace returns the index of the brace closing tmpl[open], or -1.
func matchingBrace(tmpl string, open int) int {
	depth := 0
	for i := open; i < len(tmpl); i++ {
		switch tmpl[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func renderToken(content string, s *stream.Stream, addonName string) string {
	path, op, hasOp := strings.Cut(content, "::")
	v := resolvePath(strings.TrimSpace(path), s, addonName)
	if !hasOp {
		return v.display()
	}
	return applyOp(op, v, s, addonName)
}

func applyOp(op string, v tmplValue, s *stream.Stream, addonName string) string {
	switch {
	case strings.HasPrefix(op, "exists"):
		return renderArms(op[len("exists"):], v.exists(), v, s, addonName)
	case strings.HasPrefix(op, "="):
		rest := op[1:]
		want, arms := splitValueArms(rest)
		return renderArms(arms, strings.EqualFold(v.display(), want), v, s, addonName)
	case strings.HasPrefix(op, ">"):
		rest := op[1:]
		want, arms := splitValueArms(rest)
		threshold, err := strconv.ParseFloat(strings.TrimSpace(want), 64)
		return renderArms(arms, err == nil && v.number() > threshold, v, s, addonName)
	case strings.HasPrefix(op, "join(") && strings.HasSuffix(op, ")"):
		sep := op[len("join(") : len(op)-1]
		return strings.Join(v.asList(), sep)
	case op == "bytes":
		return humanBytes(v.number())
	case op == "time":
		return humanDuration(time.Duration(v.number()) * time.Second)
	}
	// Unknown op: render the raw value rather than losing it
	return v.display()
}

// splitValueArms separates "value[TRUE||FALSE]" into value and arm block.
func splitValueArms(rest string) (string, string) {
	if idx := strings.Index(rest, "["); idx >= 0 {
		return rest[:idx], rest[idx:]
	}
	return rest, ""
}

// renderArms picks and renders the TRUE or FALSE arm of "[TRUE||FALSE]".
// Without arms, truth renders the value itself and falsity nothing.
func renderArms(arms string, cond bool, v tmplValue, s *stream.Stream, addonName string) string {
	arms = strings.TrimSpace(arms)
	if arms == "" {
		if cond {
			return v.display()
		}
		return ""
	}
	if !strings.HasPrefix(arms, "[") || !strings.HasSuffix(arms, "]") {
		return ""
	}
	trueArm, falseArm := splitArms(arms[1 : len(arms)-1])
	if cond {
		return renderTemplate(trueArm, s, addonName)
	}
	return renderTemplate(falseArm, s, addonName)
}

// splitArms splits on the first top-level "||" (not inside braces).
func splitArms(body string) (string, string) {
	depth := 0
	for i := 0; i+1 < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '|':
			if depth == 0 && body[i+1] == '|' {
				return body[:i], body[i+2:]
			}
		}
	}
	return body, ""
}

// tmplValue is a resolved template reference.
type tmplValue struct {
	str  string
	num  float64
	list []string
	ok   bool
	kind byte // 's' string, 'n' number, 'l' list, 'b' bool
}

func strValue(s string) tmplValue {
	return tmplValue{str: s, ok: s != "", kind: 's'}
}

func numValue(n float64) tmplValue {
	return tmplValue{num: n, ok: n != 0, kind: 'n'}
}

func listValue(l []string) tmplValue {
	return tmplValue{list: l, ok: len(l) > 0, kind: 'l'}
}

func boolValue(b bool) tmplValue {
	return tmplValue{ok: b, kind: 'b'}
}

func (v tmplValue) exists() bool {
	return v.ok
}

func (v tmplValue) display() string {
	switch v.kind {
	case 'n':
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case 'l':
		return strings.Join(v.list, ", ")
	case 'b':
		if v.ok {
			return "true"
		}
		return "false"
	default:
		return v.str
	}
}

func (v tmplValue) number() float64 {
	if v.kind == 'n' {
		return v.num
	}
	n, _ := strconv.ParseFloat(v.str, 64)
	return n
}

func (v tmplValue) asList() []string {
	if v.kind == 'l' {
		return v.list
	}
	if v.str == "" {
		return nil
	}
	return []string{v.str}
}

func resolvePath(path string, s *stream.Stream, addonName string) tmplValue {
	scope, field, ok := strings.Cut(path, ".")
	if !ok {
		return tmplValue{}
	}
	switch scope {
	case "stream":
		return resolveStreamPath(field, s)
	case "service":
		return resolveServicePath(field, s)
	case "addon":
		return resolveAddonPath(field, s)
	case "config":
		if field == "addonName" {
			return strValue(addonName)
		}
	}
	return tmplValue{}
}

func resolveStreamPath(field string, s *stream.Stream) tmplValue {
	switch field {
	case "title":
		if s.File != nil && s.File.Title != "" {
			return strValue(s.File.Title)
		}
		return strValue(s.OriginalName)
	case "filename":
		return strValue(s.Filename)
	case "folderName":
		return strValue(s.FolderName)
	case "resolution":
		if s.File == nil {
			return strValue("")
		}
		return strValue(s.File.Resolution)
	case "quality":
		if s.File == nil {
			return strValue("")
		}
		return strValue(s.File.Quality)
	case "encode":
		if s.File == nil {
			return strValue("")
		}
		return strValue(s.File.Encode)
	case "visualTags":
		return listValue(fileVisualTags(s))
	case "audioTags":
		return listValue(fileAudioTags(s))
	case "audioChannels":
		return listValue(fileAudioChannels(s))
	case "languages":
		return listValue(fileLanguages(s))
	case "languageEmojis":
		return listValue(languageEmojis(fileLanguages(s)))
	case "size":
		return numValue(float64(s.Size))
	case "folderSize":
		return numValue(float64(s.FolderSize))
	case "seeders":
		if s.Torrent == nil {
			return numValue(0)
		}
		return numValue(float64(s.Torrent.Seeders))
	case "age":
		return numValue(s.Age.Seconds())
	case "duration":
		return numValue(s.Duration.Seconds())
	case "indexer":
		return strValue(s.Indexer)
	case "type":
		return strValue(string(s.Type))
	case "year":
		if s.File == nil {
			return numValue(0)
		}
		return numValue(float64(s.File.Year))
	case "season":
		if s.File == nil {
			return numValue(0)
		}
		return numValue(float64(s.File.Season))
	case "episode":
		if s.File == nil {
			return numValue(0)
		}
		return numValue(float64(s.File.Episode))
	case "releaseGroup":
		if s.File == nil {
			return strValue("")
		}
		return strValue(s.File.ReleaseGroup)
	case "bingeGroup":
		return strValue(s.BingeGroup)
	case "infoHash":
		if s.Torrent == nil {
			return strValue("")
		}
		return strValue(s.Torrent.InfoHash)
	case "proxied":
		return boolValue(s.Proxied)
	case "library":
		return boolValue(s.Library)
	case "cached":
		return boolValue(s.Cached())
	}
	return tmplValue{}
}

func resolveServicePath(field string, s *stream.Stream) tmplValue {
	if s.Service == nil {
		return tmplValue{}
	}
	switch field {
	case "id":
		return strValue(string(s.Service.ID))
	case "name":
		return strValue(debrid.ServiceName(s.Service.ID))
	case "shortName":
		return strValue(debrid.ShortCode(s.Service.ID))
	case "cached":
		return boolValue(s.Service.Cached)
	}
	return tmplValue{}
}

func resolveAddonPath(field string, s *stream.Stream) tmplValue {
	if s.Addon == nil {
		return tmplValue{}
	}
	switch field {
	case "name":
		return strValue(s.Addon.DisplayName)
	case "id":
		return strValue(s.Addon.InstanceID)
	case "shortId":
		return strValue(s.Addon.ShortID)
	}
	return tmplValue{}
}

func fileVisualTags(s *stream.Stream) []string {
	if s.File == nil {
		return nil
	}
	return s.File.VisualTags
}

var languageFlags = map[string]string{
	"multi":      "🌎",
	"english":    "🇬🇧",
	"german":     "🇩🇪",
	"french":     "🇫🇷",
	"spanish":    "🇪🇸",
	"italian":    "🇮🇹",
	"portuguese": "🇵🇹",
	"russian":    "🇷🇺",
	"japanese":   "🇯🇵",
	"korean":     "🇰🇷",
	"hindi":      "🇮🇳",
	"chinese":    "🇨🇳",
}

// languageEmojis maps detected languages to flag emojis, keeping the name
// for languages without a flag.
func languageEmojis(languages []string) []string {
	out := make([]string, 0, len(languages))
	for _, lang := range languages {
		if flag, ok := languageFlags[strings.ToLower(lang)]; ok {
			out = append(out, flag)
		} else {
			out = append(out, lang)
		}
	}
	return out
}

func humanBytes(n float64) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	idx := 0
	for n >= 1024 && idx < len(units)-1 {
		n /= 1024
		idx++
	}
	formatted := strconv.FormatFloat(n, 'f', 2, 64)
	formatted = strings.TrimRight(strings.TrimRight(formatted, "0"), ".")
	return formatted + " " + units[idx]
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d < 365*24*time.Hour:
		return fmt.Sprintf("%dmo", int(d.Hours()/(24*30)))
	default:
		return fmt.Sprintf("%dy", int(d.Hours()/(24*365)))
	}
}
