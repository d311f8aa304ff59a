package addon

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAddonTimeout = 10 * time.Second

// PresetConfig is the user-facing addon entry: a preset ID plus options the
// preset's factory turns into concrete descriptors.
type PresetConfig struct {
	Preset     string `json:"preset"`
	InstanceID string `json:"instanceId"`
	Name       string `json:"name,omitempty"`
	// URL is the manifest URL for presets that take one (custom, usenet-indexer).
	URL string `json:"url,omitempty"`
	// TimeoutMS overrides the default addon timeout, in milliseconds.
	TimeoutMS         int               `json:"timeout,omitempty"`
	Options           map[string]string `json:"options,omitempty"`
	ForceToTop        bool              `json:"forceToTop,omitempty"`
	Library           bool              `json:"library,omitempty"`
	FormatPassthrough bool              `json:"formatPassthrough,omitempty"`
	ResultPassthrough bool              `json:"resultPassthrough,omitempty"`
}

func (cfg PresetConfig) timeout() time.Duration {
	if cfg.TimeoutMS <= 0 {
		return defaultAddonTimeout
	}
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}

// Factory turns one preset config into concrete descriptors.
type Factory func(cfg PresetConfig) ([]Descriptor, error)

// Registry maps preset IDs to factories. Unknown preset IDs and broken
// references are removed by Build's pre-pass instead of failing the request.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
	r.Register("custom", customPreset)
	r.Register("torrentio", torrentioPreset)
	r.Register("comet", cometPreset)
	r.Register("mediafusion", mediafusionPreset)
	r.Register("usenet-indexer", usenetIndexerPreset)
	return r
}

func (r *Registry) Register(presetID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[presetID] = factory
}

func (r *Registry) factory(presetID string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, found := r.factories[presetID]
	return factory, found
}

// Known reports whether a preset ID is registered.
func (r *Registry) Known(presetID string) bool {
	_, found := r.factory(presetID)
	return found
}

// Presets returns the registered preset IDs, sorted.
func (r *Registry) Presets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Build resolves preset configs into descriptors. Entries with unknown
// presets, duplicate instance IDs or broken options are dropped with a
// warning so the remaining addons still serve the request.
func (r *Registry) Build(cfgs []PresetConfig) []Descriptor {
	descriptors := make([]Descriptor, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		zapFieldInstance := zap.String("instanceId", cfg.InstanceID)
		factory, found := r.factory(cfg.Preset)
		if !found {
			r.logger.Warn("Removing addon with unknown preset", zap.String("preset", cfg.Preset), zapFieldInstance)
			continue
		}
		if _, dup := seen[cfg.InstanceID]; dup {
			r.logger.Warn("Removing addon with duplicate instance ID", zapFieldInstance)
			continue
		}
		descs, err := factory(cfg)
		if err != nil {
			r.logger.Warn("Removing broken addon reference", zap.Error(err), zapFieldInstance)
			continue
		}
		valid := true
		for _, desc := range descs {
			if err := desc.Validate(); err != nil {
				r.logger.Warn("Removing invalid addon", zap.Error(err), zapFieldInstance)
				valid = false
				break
			}
		}
		if !valid {
			continue
		}
		seen[cfg.InstanceID] = struct{}{}
		descriptors = append(descriptors, descs...)
	}
	return descriptors
}

func baseDescriptor(cfg PresetConfig, defaultName string) Descriptor {
	displayName := cfg.Name
	if displayName == "" {
		displayName = defaultName
	}
	return Descriptor{
		InstanceID:        cfg.InstanceID,
		PresetID:          cfg.Preset,
		DisplayName:       displayName,
		Timeout:           cfg.timeout(),
		Resources:         []string{"stream"},
		MediaTypes:        []string{"movie", "series"},
		ForceToTop:        cfg.ForceToTop,
		Library:           cfg.Library,
		FormatPassthrough: cfg.FormatPassthrough,
		ResultPassthrough: cfg.ResultPassthrough,
	}
}

func customPreset(cfg PresetConfig) ([]Descriptor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("custom addon %q needs a manifest URL", cfg.InstanceID)
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse manifest URL of addon %q: %v", cfg.InstanceID, err)
	}
	desc := baseDescriptor(cfg, parsed.Hostname())
	desc.ShortID = "CST"
	desc.ManifestURL = cfg.URL
	return []Descriptor{desc}, nil
}

func torrentioPreset(cfg PresetConfig) ([]Descriptor, error) {
	desc := baseDescriptor(cfg, "Torrentio")
	desc.ShortID = "TIO"
	desc.Identifier = "com.stremio.torrentio.addon"
	desc.MediaTypes = []string{"movie", "series", "anime"}
	desc.ManifestURL = "https://torrentio.strem.io/manifest.json"
	// Torrentio encodes its configuration as a path segment, e.g.
	// "providers=yts,eztv|realdebrid=KEY"
	if config := cfg.Options["config"]; config != "" {
		desc.ManifestURL = "https://torrentio.strem.io/" + config + "/manifest.json"
	}
	return []Descriptor{desc}, nil
}

func cometPreset(cfg PresetConfig) ([]Descriptor, error) {
	desc := baseDescriptor(cfg, "Comet")
	desc.ShortID = "CMT"
	desc.Identifier = "comet.elfhosted.com"
	desc.ManifestURL = "https://comet.elfhosted.com/manifest.json"
	if len(cfg.Options) > 0 {
		optionsJSON, err := json.Marshal(cfg.Options)
		if err != nil {
			return nil, fmt.Errorf("Couldn't encode options of addon %q: %v", cfg.InstanceID, err)
		}
		encoded := base64.URLEncoding.EncodeToString(optionsJSON)
		desc.ManifestURL = "https://comet.elfhosted.com/" + encoded + "/manifest.json"
	}
	return []Descriptor{desc}, nil
}

func mediafusionPreset(cfg PresetConfig) ([]Descriptor, error) {
	desc := baseDescriptor(cfg, "MediaFusion")
	desc.ShortID = "MFN"
	desc.Identifier = "stremio.addon.mediafusion"
	desc.ManifestURL = "https://mediafusion.elfhosted.com/manifest.json"
	if config := cfg.Options["config"]; config != "" {
		desc.ManifestURL = "https://mediafusion.elfhosted.com/" + config + "/manifest.json"
	}
	return []Descriptor{desc}, nil
}

func usenetIndexerPreset(cfg PresetConfig) ([]Descriptor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("usenet indexer addon %q needs a manifest URL", cfg.InstanceID)
	}
	desc := baseDescriptor(cfg, "Usenet")
	desc.ShortID = "UNI"
	desc.ManifestURL = cfg.URL
	if apiKey := cfg.Options["apiKey"]; apiKey != "" {
		desc.ExtraHeaders = map[string]string{"X-Api-Key": apiKey}
	}
	return []Descriptor{desc}, nil
}
