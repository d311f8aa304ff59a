package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/aggregator"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/user"
)

// errNoUserStore is returned for "uuid:password" user data when no database
// is configured.
var errNoUserStore = errors.New("saved user configs require a database")

// configLoader turns the userData URL path segment into a validated config.
// Two encodings are accepted: URL-safe Base64 of the config JSON
// (self-contained), and "uuid:password" referencing a saved config in the
// user store. The colon distinguishes them, it's not part of the Base64 URL
// alphabet.
type configLoader struct {
	aggr   *aggregator.Aggregator
	users  *user.Store // nil without a database
	cfg    config
	logger *zap.Logger
}

func (l *configLoader) load(ctx context.Context, data string) (*aggregator.Config, error) {
	raw, err := l.rawConfig(ctx, data)
	if err != nil {
		return nil, err
	}
	return l.parse(raw)
}

// parse decodes and validates raw config JSON. Deployment overrides land
// before validation, because a config relying on a deployment-wide API key
// carries an empty credential.
func (l *configLoader) parse(raw []byte) (*aggregator.Config, error) {
	var userCfg aggregator.Config
	if err := json.Unmarshal(raw, &userCfg); err != nil {
		return nil, fmt.Errorf("Couldn't parse config: %v", err)
	}
	l.applyOverrides(&userCfg)
	if err := l.aggr.ValidateConfig(&userCfg); err != nil {
		return nil, err
	}
	return &userCfg, nil
}

func (l *configLoader) rawConfig(ctx context.Context, data string) ([]byte, error) {
	if id, password, found := strings.Cut(data, ":"); found {
		if l.users == nil {
			return nil, errNoUserStore
		}
		return l.users.Authenticate(ctx, id, password)
	}

	// If there's padding, we remove it, so that the decoding works with both:
	data = strings.TrimRight(data, "=")
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
	if err != nil {
		// We use WARN instead of ERROR because it's most likely an *encoding* error on the client side
		l.logger.Warn("Couldn't decode user data", zap.Error(err))
		return nil, err
	}
	return raw, nil
}

// applyOverrides applies deployment-wide settings to a decoded user config:
// forced API keys always win, default API keys fill empty credentials, and
// FORCE_PROXY_* pins stream proxy fields.
func (l *configLoader) applyOverrides(cfg *aggregator.Config) {
	for i, sc := range cfg.Services {
		if forced, ok := l.cfg.ForcedAPIKeys[sc.ID]; ok {
			cfg.Services[i].Credential = forced
			cfg.Services[i].Enabled = true
		} else if sc.Credential == "" {
			if def, ok := l.cfg.DefaultAPIKeys[sc.ID]; ok {
				cfg.Services[i].Credential = def
			}
		}
	}
	// Forced credentials also cover services the user didn't configure at
	// all. Catalog order keeps the resulting service ranking deterministic.
	for _, id := range debrid.KnownServices() {
		forced, ok := l.cfg.ForcedAPIKeys[id]
		if !ok {
			continue
		}
		configured := false
		for _, sc := range cfg.Services {
			if sc.ID == id {
				configured = true
				break
			}
		}
		if !configured {
			cfg.Services = append(cfg.Services, aggregator.ServiceConfig{
				ID:         id,
				Credential: forced,
				Enabled:    true,
			})
		}
	}

	po := l.cfg.ProxyOverrides
	if po.Enabled != nil {
		cfg.Proxy.Enabled = *po.Enabled
	}
	if po.URL != nil {
		cfg.Proxy.URL = *po.URL
	}
	if po.Credentials != nil {
		cfg.Proxy.Credentials = *po.Credentials
	}
	if po.ProxiedAddons != nil {
		cfg.Proxy.ProxiedAddons = po.ProxiedAddons
	}
	if po.ProxiedServices != nil {
		cfg.Proxy.ProxiedServices = po.ProxiedServices
	}
	if po.ExpirySeconds != nil {
		cfg.Proxy.ExpirySeconds = *po.ExpirySeconds
	}
}
