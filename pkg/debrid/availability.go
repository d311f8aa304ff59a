package debrid

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// AvailabilityChecker answers "which of these hashes can the service serve
// instantly", fronting the service APIs with a positive-only cache: cached
// availability is good for the cache age, but absence is never cached
// because it can flip to available at any moment.
type AvailabilityChecker struct {
	services map[ServiceID]Service
	cache    *gocache.Cache
	logger   *zap.Logger
}

func NewAvailabilityChecker(services []Service, cacheAge time.Duration, logger *zap.Logger) *AvailabilityChecker {
	byID := make(map[ServiceID]Service, len(services))
	for _, svc := range services {
		byID[svc.ID()] = svc
	}
	return &AvailabilityChecker{
		services: byID,
		cache:    gocache.New(cacheAge, 2*cacheAge),
		logger:   logger,
	}
}

// Check returns the subset of hashes instantly available on the service,
// lowercase. Failures degrade to "nothing new known": hashes already cached
// as available are still reported.
func (a *AvailabilityChecker) Check(ctx context.Context, id ServiceID, credential string, hashes []string) []string {
	// Precondition check
	if len(hashes) == 0 {
		return nil
	}
	svc, found := a.services[id]
	if !found {
		return nil
	}
	zapFieldService := zap.String("service", string(id))

	var available []string
	var unknown []string
	for _, hash := range hashes {
		hash = strings.ToLower(hash)
		if _, cached := a.cache.Get(availabilityKey(id, hash)); cached {
			available = append(available, hash)
		} else {
			unknown = append(unknown, hash)
		}
	}
	if len(unknown) == 0 {
		a.logger.Debug("Availability for all hashes cached", zapFieldService)
		return available
	}
	a.logger.Debug("Checking availability", zap.Int("cached", len(available)), zap.Int("unknown", len(unknown)), zapFieldService)

	fresh, err := svc.CheckAvailability(ctx, credential, unknown)
	if err != nil {
		a.logger.Warn("Couldn't check instant availability", zap.Error(err), zapFieldService)
		return available
	}
	for _, hash := range fresh {
		hash = strings.ToLower(hash)
		a.cache.SetDefault(availabilityKey(id, hash), struct{}{})
		available = append(available, hash)
	}
	return available
}

func availabilityKey(id ServiceID, hash string) string {
	return string(id) + ":" + hash
}
