// Package debrid resolves stream clicks into playable URLs through debrid
// services. Stream responses never carry resolved links; they carry opaque
// playback URLs, and the actual service work (availability check, magnet
// job, file pick, link unrestriction) happens here when the user clicks.
package debrid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// File type values carried in playback URLs.
const (
	FileTypeTorrent = "torrent"
	FileTypeUsenet  = "usenet"
)

// FileInfo is the stable wire payload embedded in playback URLs. It pins
// which content a click resolves, independent of the stream list that
// produced it, so old lists keep working after a restart.
type FileInfo struct {
	Type string `json:"type"`
	// Hash is the torrent info_hash or the usenet content hash, lowercase.
	Hash  string `json:"hash"`
	Index int    `json:"index"`
	// Sources are the announce entries from the upstream stream, used to
	// build the magnet URL ("tracker:udp://..." and "dht:..." entries).
	Sources []string `json:"sources,omitempty"`
	// NZB is the NZB file URL for usenet content.
	NZB string `json:"nzb,omitempty"`
	// CacheAndPlay makes the resolver wait for an uncached download to
	// finish instead of returning the "downloading" placeholder.
	CacheAndPlay bool `json:"cacheAndPlay,omitempty"`
}

// Encode serializes the file info for use as a URL path segment.
func (fi FileInfo) Encode() string {
	// Only fails for unmarshalable types, which FileInfo doesn't contain
	b, _ := json.Marshal(fi)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeFileInfo is the inverse of Encode.
func DecodeFileInfo(encoded string) (FileInfo, error) {
	var fi FileInfo
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fi, fmt.Errorf("Couldn't decode file info: %v", err)
	}
	if err = json.Unmarshal(b, &fi); err != nil {
		return fi, fmt.Errorf("Couldn't unmarshal file info: %v", err)
	}
	fi.Hash = strings.ToLower(fi.Hash)
	return fi, fi.validate()
}

func (fi FileInfo) validate() error {
	switch fi.Type {
	case FileTypeTorrent:
		if fi.Hash == "" {
			return fmt.Errorf("torrent file info has no hash")
		}
	case FileTypeUsenet:
		if fi.NZB == "" && fi.Hash == "" {
			return fmt.Errorf("usenet file info has neither NZB nor hash")
		}
	default:
		return fmt.Errorf("unknown file info type %q", fi.Type)
	}
	return nil
}

// Magnet builds the magnet URL for torrent content, carrying over tracker
// announce entries from the upstream stream's sources.
func (fi FileInfo) Magnet() string {
	magnet := "magnet:?xt=urn:btih:" + fi.Hash
	for _, source := range fi.Sources {
		if tracker, ok := strings.CutPrefix(source, "tracker:"); ok {
			magnet += "&tr=" + url.QueryEscape(tracker)
		}
	}
	return magnet
}

// JobStatus is the normalized state of a service-side download job. Each
// client maps its service's own vocabulary onto these.
type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusDownloading JobStatus = "downloading"
	// StatusSelectionRequired means the service waits for an explicit file
	// selection before it starts (RealDebrid).
	StatusSelectionRequired JobStatus = "selection_required"
	StatusReady             JobStatus = "ready"
	StatusFailed            JobStatus = "failed"
)

// Job is a service-side download job for one torrent or NZB.
type Job struct {
	ID     string
	Status JobStatus
	// Name is the job title on the service, usually the torrent name.
	Name  string
	Files []File
}

// File is one entry in a job's file list.
type File struct {
	// ID is the service-side file identifier, used for selection.
	ID string
	// Index is the file's zero-based position within the content.
	Index int
	Name  string
	Size  int64
	// Link is the service-internal restricted link. It becomes playable
	// only through ResolveLink.
	Link string
}

// Service is one debrid provider's API client. Implementations are
// stateless besides their HTTP plumbing; the credential travels with each
// call because every user brings their own account.
type Service interface {
	ID() ServiceID
	// CheckAvailability returns the subset of hashes the service can serve
	// instantly. Returned hashes are lowercase.
	CheckAvailability(ctx context.Context, credential string, hashes []string) ([]string, error)
	// AddMagnet ensures a job exists for the content and returns it.
	// Adding content the service already has yields a ready job.
	AddMagnet(ctx context.Context, credential string, fi FileInfo) (*Job, error)
	// GetJob refreshes a job's status and file list.
	GetJob(ctx context.Context, credential string, jobID string) (*Job, error)
	// ResolveLink turns a job file's restricted link into a playable URL.
	ResolveLink(ctx context.Context, credential string, link string) (string, error)
}

// FileSelector is implemented by services that require an explicit file
// selection step before a job starts.
type FileSelector interface {
	SelectFiles(ctx context.Context, credential string, jobID string, fileIDs []string) error
}
