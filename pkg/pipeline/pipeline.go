// Package pipeline post-processes aggregated streams: filtering,
// deduplication, sorting, proxy rewriting and presentation formatting.
// Stages run in that order and each one only ever reorders or removes
// streams, so running a stage twice gives the same result as running it
// once.
package pipeline

import (
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

// Options bundles the configuration of all pipeline stages.
type Options struct {
	Filter FilterOptions `json:"filter,omitempty"`
	Dedupe DedupeOptions `json:"dedupe,omitempty"`
	Sort   SortOptions   `json:"sort,omitempty"`
	Proxy  ProxyOptions  `json:"proxy,omitempty"`
	Format FormatOptions `json:"format,omitempty"`
}

// Pipeline applies the post-fetch processing chain. Formatting is separate
// from Apply because playback URLs get attached between the two.
type Pipeline struct {
	filterer  *filterer
	deduper   *deduper
	sorter    *sorter
	proxifier *proxifier
	formatter *Formatter
	logger    *zap.Logger
}

// New builds a pipeline. services and addons carry the user's configured
// order and break ranking ties throughout the chain. policy governs which
// regex filters the configuration may contain; a violation surfaces here,
// before any stream is fetched.
func New(opts Options, services []debrid.ServiceID, addons []string, policy RegexPolicy, addonName string, logger *zap.Logger) (*Pipeline, error) {
	f, err := newFilterer(opts.Filter, policy)
	if err != nil {
		return nil, err
	}

	serviceRank := make(map[debrid.ServiceID]int, len(services))
	for i, id := range services {
		serviceRank[id] = i
	}
	addonRank := make(map[string]int, len(addons))
	for i, id := range addons {
		addonRank[id] = i
	}

	return &Pipeline{
		filterer:  f,
		deduper:   newDeduper(opts.Dedupe, serviceRank, addonRank),
		sorter:    newSorter(opts.Sort, opts.Filter, serviceRank, addonRank),
		proxifier: newProxifier(opts.Proxy),
		formatter: NewFormatter(opts.Format, addonName),
		logger:    logger,
	}, nil
}

// Apply runs filter, dedupe, sort and proxify over the fetched streams.
// Error streams stay at the front and statistic streams at the back; only
// regular streams go through the stages.
func (p *Pipeline) Apply(streams []*stream.Stream, mediaType string) []*stream.Stream {
	var errStreams, regular, statStreams []*stream.Stream
	for _, s := range streams {
		switch s.Type {
		case stream.TypeError:
			errStreams = append(errStreams, s)
		case stream.TypeStatistic:
			statStreams = append(statStreams, s)
		default:
			regular = append(regular, s)
		}
	}

	fetched := len(regular)
	regular = p.filterer.apply(regular, mediaType)
	afterFilter := len(regular)
	regular = p.deduper.apply(regular)
	afterDedupe := len(regular)
	regular = p.sorter.apply(regular, mediaType)
	regular = p.proxifier.apply(regular)

	p.logger.Debug("Processed streams",
		zap.String("mediaType", mediaType),
		zap.Int("fetched", fetched),
		zap.Int("afterFilter", afterFilter),
		zap.Int("afterDedupe", afterDedupe))

	out := make([]*stream.Stream, 0, len(errStreams)+len(regular)+len(statStreams))
	out = append(out, errStreams...)
	out = append(out, regular...)
	out = append(out, statStreams...)
	return out
}

// Render produces the display name and description for one stream.
func (p *Pipeline) Render(s *stream.Stream) (string, string) {
	return p.formatter.Render(s)
}
