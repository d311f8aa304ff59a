package debrid

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/fetch"
)

// ServiceID identifies a debrid service.
type ServiceID string

const (
	ServiceRealDebrid ServiceID = "realdebrid"
	ServiceAllDebrid  ServiceID = "alldebrid"
	ServicePremiumize ServiceID = "premiumize"
	ServiceDebridLink ServiceID = "debridlink"
	ServiceTorBox     ServiceID = "torbox"
	ServiceEasyDebrid ServiceID = "easydebrid"
	ServiceDebrider   ServiceID = "debrider"
	ServicePutIO      ServiceID = "putio"
	ServicePikPak     ServiceID = "pikpak"
	ServiceOffcloud   ServiceID = "offcloud"
	ServiceSeedr      ServiceID = "seedr"
	ServiceEasynews   ServiceID = "easynews"
)

type serviceInfo struct {
	id        ServiceID
	name      string
	shortCode string
	// hostTokens attribute a stream URL to the service by substring match
	// against the URL's hostname.
	hostTokens []string
}

// services is ordered; detection walks it front to back.
var services = []serviceInfo{
	{ServiceRealDebrid, "RealDebrid", "RD", []string{"real-debrid", "realdebrid"}},
	{ServiceAllDebrid, "AllDebrid", "AD", []string{"alldebrid"}},
	{ServicePremiumize, "Premiumize", "PM", []string{"premiumize"}},
	{ServiceDebridLink, "Debrid-Link", "DL", []string{"debrid-link", "debridlink"}},
	{ServiceTorBox, "TorBox", "TB", []string{"torbox"}},
	{ServiceEasyDebrid, "EasyDebrid", "ED", []string{"easydebrid"}},
	{ServiceDebrider, "Debrider", "DB", []string{"debrider"}},
	{ServicePutIO, "put.io", "PT", []string{"put.io", "putio"}},
	{ServicePikPak, "PikPak", "PK", []string{"pikpak"}},
	{ServiceOffcloud, "Offcloud", "OC", []string{"offcloud"}},
	{ServiceSeedr, "Seedr", "SR", []string{"seedr"}},
	{ServiceEasynews, "Easynews", "EN", []string{"easynews"}},
}

// KnownServices returns all service IDs in their canonical order.
func KnownServices() []ServiceID {
	ids := make([]ServiceID, len(services))
	for i, svc := range services {
		ids[i] = svc.id
	}
	return ids
}

func IsKnownService(id ServiceID) bool {
	for _, svc := range services {
		if svc.id == id {
			return true
		}
	}
	return false
}

// ServiceName returns the human-readable name, falling back to the raw ID.
func ServiceName(id ServiceID) string {
	for _, svc := range services {
		if svc.id == id {
			return svc.name
		}
	}
	return string(id)
}

// ShortCode returns the compact service code used in stream labels, e.g.
// "RD" for RealDebrid. Unknown IDs map to "".
func ShortCode(id ServiceID) string {
	for _, svc := range services {
		if svc.id == id {
			return svc.shortCode
		}
	}
	return ""
}

// ServiceFromShortCode resolves a compact code like "RD" back to its ID.
func ServiceFromShortCode(code string) (ServiceID, bool) {
	for _, svc := range services {
		if svc.shortCode == code {
			return svc.id, true
		}
	}
	return "", false
}

// ServiceFromHost attributes a URL hostname to a service.
func ServiceFromHost(host string) (ServiceID, bool) {
	host = strings.ToLower(host)
	for _, svc := range services {
		for _, token := range svc.hostTokens {
			if strings.Contains(host, token) {
				return svc.id, true
			}
		}
	}
	return "", false
}

// NewService builds the API client for a service. Services in the catalog
// without a client here are recognized in stream labels but can't resolve
// playback.
func NewService(id ServiceID, fetcher *fetch.Client, logger *zap.Logger) (Service, error) {
	switch id {
	case ServiceRealDebrid:
		return NewRealDebrid(DefaultRealDebridOpts, fetcher, logger)
	case ServiceAllDebrid:
		return NewAllDebrid(DefaultAllDebridOpts, fetcher, logger)
	case ServicePremiumize:
		return NewPremiumize(DefaultPremiumizeOpts, fetcher, logger)
	case ServiceTorBox:
		return NewTorBox(DefaultTorBoxOpts, fetcher, logger)
	}
	return nil, fmt.Errorf("no client implemented for debrid service %q", id)
}

// HasClient reports whether NewService can build a client for the service.
func HasClient(id ServiceID) bool {
	switch id {
	case ServiceRealDebrid, ServiceAllDebrid, ServicePremiumize, ServiceTorBox:
		return true
	}
	return false
}
