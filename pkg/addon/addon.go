// Package addon talks to upstream Stremio-style addons: it resolves their
// manifests, discovers what they support and fetches stream lists. Identical
// concurrent fetches are collapsed deployment-wide through the lock package.
package addon

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies per-addon failures. They are never fatal for the
// whole request - the caller turns them into inline error streams.
type ErrorKind int

const (
	// ErrTimeout: the addon didn't answer within its configured timeout.
	ErrTimeout ErrorKind = iota
	// ErrHTTP: the addon answered with a non-2xx status, or the request
	// failed on the wire (Status 0).
	ErrHTTP
	// ErrBadResponse: the addon answered 2xx but the body wasn't usable.
	ErrBadResponse
)

// Error is a typed per-addon failure.
type Error struct {
	Kind   ErrorKind
	Addon  string
	Status int
	Msg    string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrTimeout:
		return fmt.Sprintf("addon %v timed out", e.Addon)
	case ErrHTTP:
		if e.Status == 0 {
			return fmt.Sprintf("addon %v request failed: %v", e.Addon, e.Msg)
		}
		return fmt.Sprintf("addon %v returned HTTP %v", e.Addon, e.Status)
	default:
		return fmt.Sprintf("addon %v returned a bad response: %v", e.Addon, e.Msg)
	}
}

// Descriptor identifies one upstream addon instance to query. It's immutable
// for the duration of a request.
type Descriptor struct {
	// InstanceID is unique within one user configuration. It must not
	// contain "." because it's embedded in dot-separated composite keys.
	InstanceID string
	// PresetID names the preset that produced this descriptor.
	PresetID    string
	DisplayName string
	// Identifier is the upstream addon's self-declared manifest id, when
	// known ahead of the first manifest fetch.
	Identifier string
	// ShortID is the compact code used in labels, e.g. "TIO".
	ShortID      string
	ManifestURL  string
	Timeout      time.Duration
	Resources    []string
	MediaTypes   []string
	ExtraHeaders map[string]string
	// ForceToTop pins this addon's streams above all sort criteria.
	ForceToTop bool
	// Library marks streams of this addon as already in the user's library.
	Library bool
	// FormatPassthrough keeps the addon's own name/description untouched.
	FormatPassthrough bool
	// ResultPassthrough skips filtering for this addon's streams.
	ResultPassthrough bool
}

// Validate reports whether the descriptor can be used for fetching.
func (d Descriptor) Validate() error {
	if d.InstanceID == "" {
		return fmt.Errorf("addon instance ID must not be empty")
	}
	if strings.Contains(d.InstanceID, ".") {
		return fmt.Errorf("addon instance ID %q must not contain \".\"", d.InstanceID)
	}
	if d.ManifestURL == "" {
		return fmt.Errorf("addon %q has no manifest URL", d.InstanceID)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("addon %q has no timeout", d.InstanceID)
	}
	return nil
}

// manifestBase strips the trailing manifest filename so resource URLs can be
// appended.
func (d Descriptor) manifestBase() string {
	base := strings.TrimSuffix(d.ManifestURL, "/manifest.json")
	return strings.TrimSuffix(base, "/")
}
