// Package metadata resolves Stremio content IDs to title information and
// persists it under short content-addressed IDs, so playback URLs can carry
// a 12-character reference to "what is this a stream of" instead of the
// whole title JSON.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Title identifies the content a stream list was requested for. It's what
// file picking matches against when a click resolves inside a multi-file
// torrent.
type Title struct {
	Titles          []string `json:"titles"`
	Year            int      `json:"year,omitempty"`
	Season          int      `json:"season,omitempty"`
	Episode         int      `json:"episode,omitempty"`
	AbsoluteEpisode int      `json:"absoluteEpisode,omitempty"`
}

// ID returns the short identifier used in playback URLs: the first 12 hex
// characters of the SHA-256 of the title's canonical JSON.
func (t Title) ID() string {
	// Struct fields marshal in declaration order, which makes the JSON
	// canonical
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:6])
}
