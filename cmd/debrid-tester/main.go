package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/fetch"
)

const (
	// Big Buck Bunny, openly licensed and cached on every debrid service
	bigBuckBunnyHash = "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c"
)

var (
	service    = flag.String("service", "realdebrid", "Debrid service to test: realdebrid, alldebrid, premiumize or torbox")
	credential = flag.String("credential", "", "API key or token for the service")
	hashes     = flag.String("hashes", bigBuckBunnyHash, "Comma-separated torrent info hashes to check")
	apiBase    = flag.String("apiBase", "", "Override for the service's API base URL, for example for a proxy")
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	flag.Parse()

	// Precondition checks
	if *credential == "" {
		log.Fatal("credential CLI argument must not be empty")
	}
	id := debrid.ServiceID(strings.ToLower(*service))
	if !debrid.IsKnownService(id) {
		log.Fatalf("Unknown debrid service: %v", *service)
	}
	if !debrid.HasClient(id) {
		log.Fatalf("No API client is implemented for %v", debrid.ServiceName(id))
	}

	var hashSlice []string
	for _, hash := range strings.Split(*hashes, ",") {
		hash = strings.TrimSpace(hash)
		if hash != "" {
			hashSlice = append(hashSlice, strings.ToLower(hash))
		}
	}
	if len(hashSlice) == 0 {
		log.Fatal("hashes CLI argument must contain at least one info hash")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Couldn't create logger: %v", err)
	}

	fetcher, err := fetch.NewClient(fetch.DefaultClientOpts, logger)
	if err != nil {
		log.Fatalf("Couldn't create fetch client: %v", err)
	}
	svc, err := newService(id, fetcher, logger)
	if err != nil {
		log.Fatalf("Couldn't create %v client: %v", debrid.ServiceName(id), err)
	}

	available, err := svc.CheckAvailability(ctx, *credential, hashSlice)
	if err != nil {
		log.Fatalf("Couldn't check availability: %v", err)
	}

	availableSet := make(map[string]struct{}, len(available))
	for _, hash := range available {
		availableSet[hash] = struct{}{}
	}
	fmt.Printf("Availability on %v (%d of %d cached):\n", debrid.ServiceName(id), len(available), len(hashSlice))
	for _, hash := range hashSlice {
		if _, ok := availableSet[hash]; ok {
			fmt.Printf("  %v: cached\n", hash)
		} else {
			fmt.Printf("  %v: not cached\n", hash)
		}
	}
}

// newService is like debrid.NewService, but applies the apiBase override.
func newService(id debrid.ServiceID, fetcher *fetch.Client, logger *zap.Logger) (debrid.Service, error) {
	if *apiBase == "" {
		return debrid.NewService(id, fetcher, logger)
	}
	switch id {
	case debrid.ServiceRealDebrid:
		opts := debrid.DefaultRealDebridOpts
		opts.BaseURL = *apiBase
		return debrid.NewRealDebrid(opts, fetcher, logger)
	case debrid.ServiceAllDebrid:
		opts := debrid.DefaultAllDebridOpts
		opts.BaseURL = *apiBase
		return debrid.NewAllDebrid(opts, fetcher, logger)
	case debrid.ServicePremiumize:
		opts := debrid.DefaultPremiumizeOpts
		opts.BaseURL = *apiBase
		return debrid.NewPremiumize(opts, fetcher, logger)
	case debrid.ServiceTorBox:
		opts := debrid.DefaultTorBoxOpts
		opts.BaseURL = *apiBase
		return debrid.NewTorBox(opts, fetcher, logger)
	}
	return nil, fmt.Errorf("no client implemented for debrid service %q", id)
}
