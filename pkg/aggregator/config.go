package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/expression"
	"github.com/doingodswork/streamfusion/pkg/pipeline"
)

// Group modes. Parallel fetches every group at once; sequential fetches a
// group only when everything before it came up empty (or its condition says
// otherwise).
const (
	GroupModeParallel   = "parallel"
	GroupModeSequential = "sequential"
)

// Dynamic-fetch fallbacks, used when the dynamic-fetch condition is false.
const (
	FallbackAll   = "all"
	FallbackFirst = "first"
)

// ServiceConfig is one debrid account in a user config.
type ServiceConfig struct {
	ID         debrid.ServiceID `json:"id"`
	Credential string           `json:"credential"`
	Enabled    bool             `json:"enabled,omitempty"`
	// CacheAndPlay makes clicks on uncached content wait for the download
	// instead of redirecting to the "downloading" placeholder.
	CacheAndPlay bool `json:"cacheAndPlay,omitempty"`
}

// Group is an ordered fetch stage over a subset of the configured addons.
type Group struct {
	// Addons references configured addons by instance ID.
	Addons []string `json:"addons"`
	// Condition is a stream expression deciding whether the group fetches.
	// When empty, the first group always fetches; in sequential mode later
	// groups then fetch only if everything before them produced zero
	// surviving streams.
	Condition string `json:"condition,omitempty"`
}

// Config is one user's complete aggregation setup. It arrives base64-encoded
// in the URL path (or is loaded from the user store) and is decoded per
// request.
type Config struct {
	Addons   []addon.PresetConfig `json:"addons"`
	Services []ServiceConfig      `json:"services,omitempty"`

	Groups    []Group `json:"groups,omitempty"`
	GroupMode string  `json:"groupMode,omitempty"`
	// DynamicFetch gates group-by-group fetching. It's evaluated against the
	// initial zero-stream context; when it's false, DynamicFetchFallback
	// decides whether to fetch everything or just the first matching group.
	DynamicFetch         string `json:"dynamicFetch,omitempty"`
	DynamicFetchFallback string `json:"dynamicFetchFallback,omitempty"`

	HideErrors             bool     `json:"hideErrors,omitempty"`
	HideErrorsForResources []string `json:"hideErrorsForResources,omitempty"`

	pipeline.Options
}

// enabledServices returns the enabled service entries in configured order.
func (c *Config) enabledServices() []ServiceConfig {
	out := make([]ServiceConfig, 0, len(c.Services))
	for _, sc := range c.Services {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}

// ParseConfig decodes and fully validates a user config. Errors carry the
// config path and the known alternatives, so they can be shown to the user
// as-is.
func (a *Aggregator) ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("Couldn't parse config: %v", err)
	}
	if err := a.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig fully validates a config. It's separate from ParseConfig
// for callers that mutate the decoded config (e.g. deployment-wide
// credential defaults) before validation.
func (a *Aggregator) ValidateConfig(cfg *Config) error {
	if len(cfg.Addons) == 0 {
		return errors.New("config has no addons")
	}

	instances := make(map[string]struct{}, len(cfg.Addons))
	for i, ac := range cfg.Addons {
		if ac.InstanceID == "" {
			return fmt.Errorf("addons[%d]: instance ID missing", i)
		}
		if strings.Contains(ac.InstanceID, ".") {
			return fmt.Errorf("addons[%d]: instance ID %q must not contain \".\"", i, ac.InstanceID)
		}
		if _, dup := instances[ac.InstanceID]; dup {
			return fmt.Errorf("addons[%d]: duplicate instance ID %q", i, ac.InstanceID)
		}
		instances[ac.InstanceID] = struct{}{}
		if !a.registry.Known(ac.Preset) {
			return fmt.Errorf("addons[%d]: unknown preset %q (known presets: %v)",
				i, ac.Preset, strings.Join(a.registry.Presets(), ", "))
		}
	}

	for i, sc := range cfg.Services {
		if !sc.Enabled {
			continue
		}
		if err := (debrid.Credential{ID: sc.ID, Credential: sc.Credential}).Validate(); err != nil {
			return fmt.Errorf("services[%d]: %v (known services: %v)", i, err, knownServiceList())
		}
	}

	switch cfg.GroupMode {
	case "", GroupModeParallel, GroupModeSequential:
	default:
		return fmt.Errorf("groupMode: unknown mode %q (expected %q or %q)",
			cfg.GroupMode, GroupModeParallel, GroupModeSequential)
	}
	if a.opts.MaxGroups > 0 && len(cfg.Groups) > a.opts.MaxGroups {
		return fmt.Errorf("config has %d groups, the limit is %d", len(cfg.Groups), a.opts.MaxGroups)
	}
	for i, g := range cfg.Groups {
		if len(g.Addons) == 0 {
			return fmt.Errorf("groups[%d]: group has no addons", i)
		}
		for _, id := range g.Addons {
			if _, found := instances[id]; !found {
				return fmt.Errorf("groups[%d]: unknown addon %q (configured addons: %v)",
					i, id, strings.Join(instanceList(cfg), ", "))
			}
		}
		if g.Condition != "" {
			if err := expression.ValidateCondition(g.Condition); err != nil {
				return fmt.Errorf("groups[%d].condition: %v", i, err)
			}
		}
	}

	if cfg.DynamicFetch != "" {
		if err := expression.ValidateCondition(cfg.DynamicFetch); err != nil {
			return fmt.Errorf("dynamicFetch: %v", err)
		}
	}
	switch cfg.DynamicFetchFallback {
	case "", FallbackAll, FallbackFirst:
	default:
		return fmt.Errorf("dynamicFetchFallback: unknown fallback %q (expected %q or %q)",
			cfg.DynamicFetchFallback, FallbackAll, FallbackFirst)
	}

	if a.opts.MaxStreamExpressions > 0 && cfg.Filter.StreamExpressions.Count() > a.opts.MaxStreamExpressions {
		return fmt.Errorf("config has %d stream expression filters, the limit is %d",
			cfg.Filter.StreamExpressions.Count(), a.opts.MaxStreamExpressions)
	}
	if keywords := keywordCount(cfg); a.opts.MaxKeywords > 0 && keywords > a.opts.MaxKeywords {
		return fmt.Errorf("config has %d keyword filters, the limit is %d", keywords, a.opts.MaxKeywords)
	}

	// Compiles the user's regexes and filter expressions, so broken ones
	// surface at configuration time, not on the first stream request.
	if _, err := a.buildPipeline(cfg); err != nil {
		return err
	}
	return nil
}

func keywordCount(cfg *Config) int {
	k := cfg.Filter.Keywords
	return len(k.Excluded) + len(k.Included) + len(k.Required) + len(k.Preferred)
}

func instanceList(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Addons))
	for _, ac := range cfg.Addons {
		ids = append(ids, ac.InstanceID)
	}
	return ids
}

func knownServiceList() string {
	ids := debrid.KnownServices()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
