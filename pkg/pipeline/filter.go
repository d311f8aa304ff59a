// Package pipeline implements the deterministic stream pipeline: filtering,
// deduplication, sorting, proxification and formatting. Stages are composed
// by Pipeline.Apply in that order; every stage preserves input order unless
// reordering is its purpose.
package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/doingodswork/streamfusion/pkg/expression"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

// ErrInvalidRegex is wrapped into errors for patterns that don't compile or
// aren't covered by the operator's allow-list.
var ErrInvalidRegex = errors.New("invalid regex filter")

// AttributeLists hold the four filter lists of one categorical attribute.
// Excluded eliminates on intersection, Included (when non-empty) requires an
// intersection, Required requires every listed token, Preferred only
// contributes to sorting.
type AttributeLists struct {
	Excluded  []string `json:"excluded,omitempty"`
	Included  []string `json:"included,omitempty"`
	Required  []string `json:"required,omitempty"`
	Preferred []string `json:"preferred,omitempty"`
}

func (l AttributeLists) empty() bool {
	return len(l.Excluded) == 0 && len(l.Included) == 0 && len(l.Required) == 0
}

// RegexRule is a named pattern; the name is what ends up on the stream when
// a preferred rule matches.
type RegexRule struct {
	Name    string `json:"name,omitempty"`
	Pattern string `json:"pattern"`
}

// RegexLists hold the four filter lists of regex rules, matched against the
// stream's filename and folder name.
type RegexLists struct {
	Excluded  []RegexRule `json:"excluded,omitempty"`
	Included  []RegexRule `json:"included,omitempty"`
	Required  []RegexRule `json:"required,omitempty"`
	Preferred []RegexRule `json:"preferred,omitempty"`
}

// ExpressionLists hold stream-expression selectors per filter role.
type ExpressionLists struct {
	Excluded  []string `json:"excluded,omitempty"`
	Included  []string `json:"included,omitempty"`
	Required  []string `json:"required,omitempty"`
	Preferred []string `json:"preferred,omitempty"`
}

// Count returns the total number of configured expressions.
func (l ExpressionLists) Count() int {
	return len(l.Excluded) + len(l.Included) + len(l.Required) + len(l.Preferred)
}

// SeederRange bounds torrent seeders. A zero Max means unbounded. AppliesTo
// limits the range to a sub-scope of {p2p, cached, uncached}; empty means all
// torrent-backed streams.
type SeederRange struct {
	Min       int      `json:"min,omitempty"`
	Max       int      `json:"max,omitempty"`
	AppliesTo []string `json:"appliesTo,omitempty"`
}

// SizeRange is a half-open interval [Min, Max); zero means no bound.
type SizeRange struct {
	Min int64 `json:"min,omitempty"`
	Max int64 `json:"max,omitempty"`
}

func (r SizeRange) zero() bool {
	return r.Min == 0 && r.Max == 0
}

func (r SizeRange) contains(size int64) bool {
	if size < r.Min {
		return false
	}
	return r.Max == 0 || size < r.Max
}

// SizeOptions scope size ranges by media type and by resolution. The most
// specific scope wins: a per-resolution range overrides the media-type one.
type SizeOptions struct {
	Movie         SizeRange            `json:"movie,omitempty"`
	Series        SizeRange            `json:"series,omitempty"`
	PerResolution map[string]SizeRange `json:"perResolution,omitempty"`
}

// FilterOptions is the user's complete filter configuration.
type FilterOptions struct {
	Resolutions       AttributeLists  `json:"resolutions,omitempty"`
	Qualities         AttributeLists  `json:"qualities,omitempty"`
	Languages         AttributeLists  `json:"languages,omitempty"`
	VisualTags        AttributeLists  `json:"visualTags,omitempty"`
	AudioTags         AttributeLists  `json:"audioTags,omitempty"`
	AudioChannels     AttributeLists  `json:"audioChannels,omitempty"`
	StreamTypes       AttributeLists  `json:"streamTypes,omitempty"`
	Encodes           AttributeLists  `json:"encodes,omitempty"`
	Regexes           RegexLists      `json:"regexes,omitempty"`
	Keywords          AttributeLists  `json:"keywords,omitempty"`
	StreamExpressions ExpressionLists `json:"streamExpressions,omitempty"`
	Seeders           []SeederRange   `json:"seeders,omitempty"`
	Sizes             SizeOptions     `json:"sizes,omitempty"`
}

// RegexPolicy is the operator-side regex permission: when AllowUser is false
// every configured pattern must appear verbatim in Allowed.
type RegexPolicy struct {
	AllowUser bool
	Allowed   []string
}

func (p RegexPolicy) permits(pattern string) bool {
	if p.AllowUser {
		return true
	}
	for _, allowed := range p.Allowed {
		if pattern == allowed {
			return true
		}
	}
	return false
}

type namedRegex struct {
	name string
	re   *regexp.Regexp
}

type filterer struct {
	opts FilterOptions

	excludedRe, includedRe, requiredRe, preferredRe []namedRegex

	excludedExpr, includedExpr, requiredExpr, preferredExpr []*expression.Expression

	excludedKw, includedKw *regexp.Regexp // nil when the list is empty
	requiredKw             []*regexp.Regexp
	preferredKw            *regexp.Regexp
}

func newFilterer(opts FilterOptions, policy RegexPolicy) (*filterer, error) {
	f := &filterer{opts: opts}

	var err error
	if f.excludedRe, err = compileRules(opts.Regexes.Excluded, policy); err != nil {
		return nil, err
	}
	if f.includedRe, err = compileRules(opts.Regexes.Included, policy); err != nil {
		return nil, err
	}
	if f.requiredRe, err = compileRules(opts.Regexes.Required, policy); err != nil {
		return nil, err
	}
	if f.preferredRe, err = compileRules(opts.Regexes.Preferred, policy); err != nil {
		return nil, err
	}

	if f.excludedExpr, err = compileSelectors(opts.StreamExpressions.Excluded); err != nil {
		return nil, err
	}
	if f.includedExpr, err = compileSelectors(opts.StreamExpressions.Included); err != nil {
		return nil, err
	}
	if f.requiredExpr, err = compileSelectors(opts.StreamExpressions.Required); err != nil {
		return nil, err
	}
	if f.preferredExpr, err = compileSelectors(opts.StreamExpressions.Preferred); err != nil {
		return nil, err
	}

	if f.excludedKw, err = compileKeywords(opts.Keywords.Excluded); err != nil {
		return nil, err
	}
	if f.includedKw, err = compileKeywords(opts.Keywords.Included); err != nil {
		return nil, err
	}
	for _, kw := range opts.Keywords.Required {
		re, err := compileKeywords([]string{kw})
		if err != nil {
			return nil, err
		}
		f.requiredKw = append(f.requiredKw, re)
	}
	if f.preferredKw, err = compileKeywords(opts.Keywords.Preferred); err != nil {
		return nil, err
	}
	return f, nil
}

func compileRules(rules []RegexRule, policy RegexPolicy) ([]namedRegex, error) {
	var compiled []namedRegex
	for _, rule := range rules {
		if !policy.permits(rule.Pattern) {
			return nil, fmt.Errorf("%w: pattern %q isn't allow-listed", ErrInvalidRegex, rule.Pattern)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRegex, err)
		}
		name := rule.Name
		if name == "" {
			name = rule.Pattern
		}
		compiled = append(compiled, namedRegex{name: name, re: re})
	}
	return compiled, nil
}

func compileSelectors(exprs []string) ([]*expression.Expression, error) {
	var compiled []*expression.Expression
	for _, src := range exprs {
		if err := expression.ValidateSelector(src); err != nil {
			return nil, err
		}
		expr, err := expression.Parse(src)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, expr)
	}
	return compiled, nil
}

// compileKeywords joins the keywords into one case-insensitive word-boundary
// pattern. Returns nil for an empty list.
func compileKeywords(keywords []string) (*regexp.Regexp, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	quoted := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(kw))
	}
	if len(quoted) == 0 {
		return nil, nil
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// apply runs every category predicate over the list and returns the
// survivors in input order, with preferred regex/keyword/expression matches
// recorded on the streams. Streams of result-passthrough addons bypass all
// elimination but still get preferred matches recorded for sorting.
func (f *filterer) apply(streams []*stream.Stream, mediaType string) []*stream.Stream {
	exclSet := f.selectUnion(f.excludedExpr, streams)
	inclSet := f.selectUnion(f.includedExpr, streams)
	reqSets := f.selectEach(f.requiredExpr, streams)
	prefIdx := f.selectIndexed(f.preferredExpr, streams)

	kept := make([]*stream.Stream, 0, len(streams))
	for _, s := range streams {
		f.recordPreferred(s, prefIdx)
		if f.passes(s, mediaType, exclSet, inclSet, reqSets) {
			kept = append(kept, s)
		}
	}
	return kept
}

func (f *filterer) passes(s *stream.Stream, mediaType string, exclSet, inclSet map[*stream.Stream]struct{}, reqSets []map[*stream.Stream]struct{}) bool {
	if s.Addon != nil && s.Addon.ResultPassthrough {
		return true
	}

	if !matchSingle(f.opts.Resolutions, attrOrUnknown(fileResolution(s))) {
		return false
	}
	if !matchSingle(f.opts.Qualities, attrOrUnknown(fileQuality(s))) {
		return false
	}
	if !matchSingle(f.opts.Encodes, attrOrUnknown(fileEncode(s))) {
		return false
	}
	if !matchSingle(f.opts.StreamTypes, string(s.Type)) {
		return false
	}
	if !matchMulti(f.opts.Languages, fileLanguages(s)) {
		return false
	}
	if !matchMulti(f.opts.VisualTags, visualTagSet(s)) {
		return false
	}
	if !matchMulti(f.opts.AudioTags, fileAudioTags(s)) {
		return false
	}
	if !matchMulti(f.opts.AudioChannels, fileAudioChannels(s)) {
		return false
	}
	if !f.passesRegexes(s) {
		return false
	}
	if !f.passesKeywords(s) {
		return false
	}
	if !f.passesSeeders(s) {
		return false
	}
	if !f.passesSize(s, mediaType) {
		return false
	}

	if len(f.excludedExpr) > 0 {
		if _, excluded := exclSet[s]; excluded {
			return false
		}
	}
	if len(f.includedExpr) > 0 {
		if _, included := inclSet[s]; !included {
			return false
		}
	}
	for _, set := range reqSets {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// matchSingle applies the excluded/included/required rules to a
// single-valued attribute.
func matchSingle(lists AttributeLists, value string) bool {
	if lists.empty() {
		return true
	}
	if containsFold(lists.Excluded, value) {
		return false
	}
	if len(lists.Included) > 0 && !containsFold(lists.Included, value) {
		return false
	}
	for _, token := range lists.Required {
		if !strings.EqualFold(token, value) {
			return false
		}
	}
	return true
}

// matchMulti applies the excluded/included/required rules to a multi-valued
// attribute: excluded and included test for intersection, required demands
// every token.
func matchMulti(lists AttributeLists, values []string) bool {
	if lists.empty() {
		return true
	}
	for _, v := range values {
		if containsFold(lists.Excluded, v) {
			return false
		}
	}
	if len(lists.Included) > 0 && !intersectsFold(lists.Included, values) {
		return false
	}
	for _, token := range lists.Required {
		if !containsFold(values, token) {
			return false
		}
	}
	return true
}

func (f *filterer) passesRegexes(s *stream.Stream) bool {
	for _, rule := range f.excludedRe {
		if regexHit(rule.re, s) {
			return false
		}
	}
	if len(f.includedRe) > 0 {
		hit := false
		for _, rule := range f.includedRe {
			if regexHit(rule.re, s) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, rule := range f.requiredRe {
		if !regexHit(rule.re, s) {
			return false
		}
	}
	return true
}

func (f *filterer) passesKeywords(s *stream.Stream) bool {
	text := keywordText(s)
	if f.excludedKw != nil && f.excludedKw.MatchString(text) {
		return false
	}
	if f.includedKw != nil && !f.includedKw.MatchString(text) {
		return false
	}
	for _, re := range f.requiredKw {
		if re != nil && !re.MatchString(text) {
			return false
		}
	}
	return true
}

func (f *filterer) passesSeeders(s *stream.Stream) bool {
	if s.Torrent == nil || len(f.opts.Seeders) == 0 {
		return true
	}
	for _, r := range f.opts.Seeders {
		if !seederScopeCovers(r.AppliesTo, s) {
			continue
		}
		if s.Torrent.Seeders < r.Min {
			return false
		}
		if r.Max > 0 && s.Torrent.Seeders > r.Max {
			return false
		}
	}
	return true
}

func seederScopeCovers(scopes []string, s *stream.Stream) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, scope := range scopes {
		switch strings.ToLower(scope) {
		case "p2p":
			if s.Service == nil && s.Type == stream.TypeP2P {
				return true
			}
		case "cached":
			if s.Cached() {
				return true
			}
		case "uncached":
			if s.Service != nil && !s.Service.Cached {
				return true
			}
		}
	}
	return false
}

// passesSize resolves the most specific size range for the stream. Streams
// with unknown size always pass.
func (f *filterer) passesSize(s *stream.Stream, mediaType string) bool {
	if s.Size == 0 {
		return true
	}
	r := f.sizeRange(s, mediaType)
	return r.zero() || r.contains(s.Size)
}

func (f *filterer) sizeRange(s *stream.Stream, mediaType string) SizeRange {
	if res := fileResolution(s); res != "" {
		if r, ok := f.opts.Sizes.PerResolution[strings.ToLower(res)]; ok && !r.zero() {
			return r
		}
	}
	if mediaType == "movie" {
		return f.opts.Sizes.Movie
	}
	return f.opts.Sizes.Series
}

func (f *filterer) recordPreferred(s *stream.Stream, prefIdx map[*stream.Stream]int) {
	for i, rule := range f.preferredRe {
		if regexHit(rule.re, s) {
			s.RegexMatched = rule.name
			s.RegexMatchedIndex = i
			break
		}
	}
	if f.preferredKw != nil && f.preferredKw.MatchString(keywordText(s)) {
		s.KeywordMatched = true
	}
	if idx, ok := prefIdx[s]; ok {
		s.StreamExpressionMatched = true
		s.StreamExpressionIndex = idx
	}
}

// selectUnion runs the selectors and unions the matched streams.
func (f *filterer) selectUnion(exprs []*expression.Expression, streams []*stream.Stream) map[*stream.Stream]struct{} {
	if len(exprs) == 0 {
		return nil
	}
	set := make(map[*stream.Stream]struct{})
	for _, expr := range exprs {
		matched, err := expr.Select(streams)
		if err != nil {
			// Selectors are validated at construction; an evaluation error
			// here means a field/type mismatch on this concrete stream set.
			// The expression simply doesn't select anything then.
			continue
		}
		for _, s := range matched {
			set[s] = struct{}{}
		}
	}
	return set
}

func (f *filterer) selectEach(exprs []*expression.Expression, streams []*stream.Stream) []map[*stream.Stream]struct{} {
	sets := make([]map[*stream.Stream]struct{}, 0, len(exprs))
	for _, expr := range exprs {
		set := make(map[*stream.Stream]struct{})
		matched, err := expr.Select(streams)
		if err == nil {
			for _, s := range matched {
				set[s] = struct{}{}
			}
		}
		sets = append(sets, set)
	}
	return sets
}

// selectIndexed maps each stream to the index of the first preferred
// expression that selected it.
func (f *filterer) selectIndexed(exprs []*expression.Expression, streams []*stream.Stream) map[*stream.Stream]int {
	if len(exprs) == 0 {
		return nil
	}
	idx := make(map[*stream.Stream]int)
	for i, expr := range exprs {
		matched, err := expr.Select(streams)
		if err != nil {
			continue
		}
		for _, s := range matched {
			if _, ok := idx[s]; !ok {
				idx[s] = i
			}
		}
	}
	return idx
}

// Attribute accessors tolerating a nil parsed file.

const unknownAttr = "unknown"

func attrOrUnknown(v string) string {
	if v == "" {
		return unknownAttr
	}
	return v
}

func fileResolution(s *stream.Stream) string {
	if s.File == nil {
		return ""
	}
	return s.File.Resolution
}

func fileQuality(s *stream.Stream) string {
	if s.File == nil {
		return ""
	}
	return s.File.Quality
}

func fileEncode(s *stream.Stream) string {
	if s.File == nil {
		return ""
	}
	return s.File.Encode
}

func fileLanguages(s *stream.Stream) []string {
	if s.File == nil {
		return nil
	}
	return s.File.Languages
}

func fileAudioTags(s *stream.Stream) []string {
	if s.File == nil {
		return nil
	}
	return s.File.AudioTags
}

func fileAudioChannels(s *stream.Stream) []string {
	if s.File == nil {
		return nil
	}
	return s.File.AudioChannels
}

// visualTagSet expands the parsed visual tags with the synthetic combos
// HDR+DV, DV Only and HDR Only so they are filterable like plain tags.
func visualTagSet(s *stream.Stream) []string {
	if s.File == nil || len(s.File.VisualTags) == 0 {
		return nil
	}
	tags := s.File.VisualTags
	hasDV := containsFold(tags, "DV")
	hasHDR := false
	for _, tag := range tags {
		if strings.HasPrefix(strings.ToUpper(tag), "HDR") {
			hasHDR = true
			break
		}
	}
	set := make([]string, len(tags), len(tags)+1)
	copy(set, tags)
	switch {
	case hasDV && hasHDR:
		set = append(set, "HDR+DV")
	case hasDV:
		set = append(set, "DV Only")
	case hasHDR:
		set = append(set, "HDR Only")
	}
	return set
}

func regexHit(re *regexp.Regexp, s *stream.Stream) bool {
	if s.Filename != "" && re.MatchString(s.Filename) {
		return true
	}
	return s.FolderName != "" && re.MatchString(s.FolderName)
}

func keywordText(s *stream.Stream) string {
	parts := make([]string, 0, 3)
	if s.Filename != "" {
		parts = append(parts, s.Filename)
	}
	if s.FolderName != "" {
		parts = append(parts, s.FolderName)
	}
	if s.File != nil && s.File.Title != "" {
		parts = append(parts, s.File.Title)
	}
	return strings.Join(parts, " ")
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func intersectsFold(list, values []string) bool {
	for _, v := range values {
		if containsFold(list, v) {
			return true
		}
	}
	return false
}
