// Package stream holds the canonical internal stream record that every
// pipeline stage works on, and the enricher that builds it from upstream
// wire streams.
package stream

import (
	"fmt"
	"time"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/parser"
	"github.com/doingodswork/streamfusion/pkg/stremio"
)

// Type classifies how a stream is played.
type Type string

const (
	TypeP2P       Type = "p2p"
	TypeLive      Type = "live"
	TypeUsenet    Type = "usenet"
	TypeDebrid    Type = "debrid"
	TypeHTTP      Type = "http"
	TypeExternal  Type = "external"
	TypeYoutube   Type = "youtube"
	TypeError     Type = "error"
	TypeStatistic Type = "statistic"
)

// Torrent carries the p2p coordinates of a stream. It's also present on
// debrid streams that originate from a torrent.
type Torrent struct {
	InfoHash  string
	FileIndex int
	Seeders   int
	Sources   []string
}

// Service is the debrid attribution of a stream: which service already
// handles it and whether the content is cached there.
type Service struct {
	ID     debrid.ServiceID
	Cached bool
}

// ErrorInfo is the payload of an inline error stream.
type ErrorInfo struct {
	Title       string
	Description string
}

// Stream is the canonical internal record.
type Stream struct {
	// ID is unique within one request: "{instanceId}.{index}".
	ID    string
	Addon *addon.Descriptor
	Type  Type

	// File holds the parsed release attributes. It's non-nil for every
	// playable type and nil for error/statistic streams.
	File *parser.File

	Size       int64
	FolderSize int64
	Torrent    *Torrent
	Service    *Service
	Indexer    string
	// Age is how long ago the content was posted, for usenet streams.
	Age        time.Duration
	Filename   string
	FolderName string

	URL         string
	ExternalURL string
	YoutubeID   string
	NZB         string

	Subtitles        []stremio.Subtitle
	CountryWhitelist []string
	NotWebReady      bool
	BingeGroup       string
	ProxyHeaders     *stremio.ProxyHeaders

	Proxied bool
	// RegexMatched holds the name of the preferred-regex that matched, if any.
	// RegexMatchedIndex is its position in the preferred list and is only
	// meaningful while RegexMatched is non-empty.
	RegexMatched      string
	RegexMatchedIndex int
	KeywordMatched    bool
	// StreamExpressionMatched flags a preferred stream-expression hit;
	// StreamExpressionIndex is the position of the expression that matched.
	StreamExpressionMatched bool
	StreamExpressionIndex   int
	Library                 bool
	Duration                time.Duration
	Error                   *ErrorInfo

	// Group is the fetch group this stream arrived in.
	Group int

	// OriginalName and OriginalDescription keep the upstream presentation,
	// used for formatPassthrough addons and statistic streams.
	OriginalName        string
	OriginalDescription string
}

// Validate checks the per-type minimum-fields rule.
func (s *Stream) Validate() error {
	switch s.Type {
	case TypeDebrid, TypeHTTP, TypeLive:
		if s.URL == "" {
			return fmt.Errorf("%v stream has no URL", s.Type)
		}
	case TypeP2P:
		if s.Torrent == nil || s.Torrent.InfoHash == "" {
			return fmt.Errorf("p2p stream has no info hash")
		}
	case TypeUsenet:
		if s.NZB == "" && s.URL == "" {
			return fmt.Errorf("usenet stream has neither NZB nor URL")
		}
	case TypeYoutube:
		if s.YoutubeID == "" {
			return fmt.Errorf("youtube stream has no video ID")
		}
	case TypeExternal:
		if s.ExternalURL == "" {
			return fmt.Errorf("external stream has no URL")
		}
	case TypeError:
		if s.Error == nil || s.Error.Title == "" {
			return fmt.Errorf("error stream has no title")
		}
	case TypeStatistic:
		if s.OriginalName == "" {
			return fmt.Errorf("statistic stream has no name")
		}
	default:
		return fmt.Errorf("unknown stream type %q", s.Type)
	}
	return nil
}

// Cached reports whether the stream is known to be instantly playable on its
// debrid service.
func (s *Stream) Cached() bool {
	return s.Service != nil && s.Service.Cached
}

// NewErrorStream builds the inline error stream for a failed provider.
func NewErrorStream(desc *addon.Descriptor, title, description string) *Stream {
	return &Stream{
		Addon: desc,
		Type:  TypeError,
		Error: &ErrorInfo{Title: title, Description: description},
	}
}

// NewStatisticStream builds an informational entry rendered like a stream.
func NewStatisticStream(name, description string) *Stream {
	return &Stream{
		Type:                TypeStatistic,
		OriginalName:        name,
		OriginalDescription: description,
	}
}
