package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/aggregator"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/fetch"
	"github.com/doingodswork/streamfusion/pkg/metadata"
	"github.com/doingodswork/streamfusion/pkg/parser"
	"github.com/doingodswork/streamfusion/pkg/pipeline"
	"github.com/doingodswork/streamfusion/pkg/stream"
	"github.com/doingodswork/streamfusion/pkg/stremio"
)

const version = "0.1.0"

var manifest = stremio.Manifest{
	ID:          "tv.streamfusion.addon",
	Name:        "StreamFusion",
	Description: "Aggregates the streams of your configured Stremio addons into a single list - filtered, deduplicated, sorted and formatted the way you set up, with debrid links resolved when you hit play.",
	Version:     version,

	ResourceItems: []stremio.ResourceItem{
		{
			Name:  "stream",
			Types: []string{"movie", "series", "anime", "tv"},
			// Some Stremio clients only check the resource-level prefixes
			IDprefixes: []string{"tt", "kitsu"},
		},
	},
	Types: []string{"movie", "series", "anime", "tv"},
	// An empty slice is required for serializing to a JSON that Stremio expects
	Catalogs: []stremio.CatalogItem{},

	IDprefixes: []string{"tt", "kitsu"},
	BehaviorHints: stremio.BehaviorHints{
		Configurable: true,
	},
}

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	// Create an "info" logger at first, replace later in case the logging
	// level is configured to be something else
	logger, err := newLogger("info", "console")
	if err != nil {
		panic(err)
	}

	// Parse and validate config

	logger.Info("Parsing config...")
	config := parseConfig(logger)
	configJSON, err := json.Marshal(config)
	if err != nil {
		logger.Fatal("Couldn't marshal config to JSON", zap.Error(err))
	}
	if config.LogLevel != "info" || config.LogEncoding != "console" {
		// Replace previously created logger
		if logger, err = newLogger(config.LogLevel, config.LogEncoding); err != nil {
			panic(err)
		}
	}
	logger.Info("Parsed config", zap.ByteString("config", configJSON))

	config.validate(logger)
	logger.Info("Validated config")

	if config.InternalSecret == "" {
		logger.Warn("No internal secret is configured, using a random one. Playback URLs won't survive a restart.")
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatal("Couldn't generate random secret", zap.Error(err))
		}
		config.InternalSecret = base64.RawURLEncoding.EncodeToString(secret)
	}

	// Open stores

	logger.Info("Opening stores...")
	start := time.Now()
	stores, err := openStorage(mainCtx, config, logger)
	if err != nil {
		logger.Fatal("Couldn't open stores", zap.Error(err))
	}
	defer stores.close(logger)
	duration := time.Since(start).Milliseconds()
	logger.Info("Opened stores", zap.String("duration", strconv.FormatInt(duration, 10)+"ms"))

	// Create clients

	urlMappings, err := fetch.ParseURLMappings(config.RequestURLMappings)
	if err != nil {
		logger.Fatal("Couldn't parse request URL mappings", zap.Error(err))
	}
	if config.InternalURL != "" {
		// Self-requests (wrapped addons pointing back at this deployment)
		// stay inside the network instead of going through the front door.
		if urlMappings == nil {
			urlMappings = map[string]string{}
		}
		urlMappings[config.BaseURL] = config.InternalURL
	}
	proxyRules, err := fetch.ParseProxyRules(config.AddonProxyConfig, len(config.AddonProxies))
	if err != nil {
		logger.Fatal("Couldn't parse addon proxy config", zap.Error(err))
	}
	uaOverrides, err := fetch.ParseUserAgentOverrides(config.UserAgentOverrides)
	if err != nil {
		logger.Fatal("Couldn't parse User-Agent overrides", zap.Error(err))
	}
	fetchOpts := fetch.DefaultClientOpts
	fetchOpts.URLMappings = urlMappings
	fetchOpts.ProxyURLs = config.AddonProxies
	fetchOpts.ProxyRules = proxyRules
	fetchOpts.UserAgentOverrides = uaOverrides
	fetchOpts.RecursionLimit = config.RecursionThresholdLimit
	fetchOpts.RecursionWindow = config.RecursionThresholdWindow
	fetcher, err := fetch.NewClient(fetchOpts, logger)
	if err != nil {
		logger.Fatal("Couldn't create fetch client", zap.Error(err))
	}

	registry := addon.NewRegistry(logger)
	addonClient, err := addon.NewClient(addon.DefaultClientOpts, fetcher, stores.locker, logger)
	if err != nil {
		logger.Fatal("Couldn't create addon client", zap.Error(err))
	}

	// One parse memo shared by all requests. Release names repeat a lot
	// across users watching the same titles.
	memo := parser.NewMemo(time.Hour)
	enricher := stream.NewEnricher(memo, logger)

	var services []debrid.Service
	for _, id := range debrid.KnownServices() {
		if !debrid.HasClient(id) {
			continue
		}
		service, err := debrid.NewService(id, fetcher, logger)
		if err != nil {
			logger.Fatal("Couldn't create debrid service client", zap.Error(err), zap.String("service", string(id)))
		}
		services = append(services, service)
	}
	resolver, err := debrid.NewResolver(services, stores.locker, debrid.DefaultResolverOpts, logger)
	if err != nil {
		logger.Fatal("Couldn't create debrid resolver", zap.Error(err))
	}
	availability := debrid.NewAvailabilityChecker(services, 30*time.Minute, logger)
	crypter, err := debrid.NewCrypter(config.InternalSecret)
	if err != nil {
		logger.Fatal("Couldn't create crypter", zap.Error(err))
	}

	metaClient, err := metadata.NewClient(metadata.DefaultClientOpts, fetcher, logger)
	if err != nil {
		logger.Fatal("Couldn't create metadata client", zap.Error(err))
	}
	// Playback URLs carry a metadata ID, so the stored metadata must live at
	// least as long as a minted link stays clickable.
	metaStore, err := metadata.NewStore(stores.kv, config.PlaybackLinkValidity)
	if err != nil {
		logger.Fatal("Couldn't create metadata store", zap.Error(err))
	}

	manifest.Name = config.AddonName
	aggrOpts := aggregator.Options{
		BaseURL:              config.BaseURL,
		MaxConcurrentFetches: config.MaxConcurrentFetches,
		MaxGroups:            config.MaxGroups,
		MaxStreamExpressions: config.MaxStreamExpressionFilters,
		MaxKeywords:          config.MaxKeywordFilters,
		RegexPolicy: pipeline.RegexPolicy{
			AllowUser: config.AllowUserRegexes,
			Allowed:   config.AllowedRegexes,
		},
		AddonName: config.AddonName,
	}
	aggr, err := aggregator.New(aggrOpts, registry, addonClient, enricher, availability, crypter, metaClient, metaStore, logger)
	if err != nil {
		logger.Fatal("Couldn't create aggregator", zap.Error(err))
	}

	loader := &configLoader{
		aggr:   aggr,
		users:  stores.users,
		cfg:    config,
		logger: logger,
	}

	// Set up server

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		// Playback resolution may use its full budget before redirecting
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	})
	app.Use(fiberrecover.New())
	app.Use(createLoggingMiddleware(logger))
	// Stremio doesn't show stream responses when no CORS headers are set!
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Accept, Accept-Language, Content-Type, Origin, X-Requested-With",
		AllowMethods: "GET, POST, PUT, HEAD, OPTIONS",
	}))

	manifestHandler := createManifestHandler(manifest, loader, logger)
	app.Get("/health", healthHandler)
	app.Get("/manifest.json", manifestHandler)
	app.Get("/:userData/manifest.json", manifestHandler)
	app.Get("/:userData/stream/:type/:id.json", createStreamHandler(aggr, loader, logger))
	app.Get("/playback/:auth/:fileInfo/:metadataID/:filename", createPlaybackHandler(resolver, crypter, metaStore, config.BaseURL, logger))
	app.Post("/api/users", createUserCreateHandler(stores.users, loader, logger))
	app.Put("/api/users/:id", createUserUpdateHandler(stores.users, loader, logger))
	if _, err := os.Stat(config.StaticPath); err == nil {
		// Placeholder videos that playback failures redirect to
		app.Static("/static", config.StaticPath)
	} else {
		logger.Warn("Static path doesn't exist, playback placeholder videos won't be served", zap.String("staticPath", config.StaticPath))
	}

	go stores.maintain(mainCtx, config, logger)

	// Start server

	addr := config.BindAddr + ":" + strconv.Itoa(config.Port)
	logger.Info("Starting server", zap.String("address", addr), zap.String("version", version))
	go func() {
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Couldn't start server", zap.Error(err))
		}
	}()

	// Graceful shutdown

	stop := make(chan os.Signal, 1)
	// Accept SIGINT (Ctrl+C) and SIGTERM (`docker stop`)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	logger.Info("Received signal, shutting down server...", zap.Stringer("signal", sig))
	mainCancel()
	// `docker stop` only gives us 10 seconds, leave one for the store closers
	if err := app.ShutdownWithTimeout(9 * time.Second); err != nil {
		logger.Error("Couldn't shut down server gracefully", zap.Error(err))
	}
	logger.Info("Server shut down")
}

// newLogger creates a zap logger with ISO 8601 timestamps and no sampling.
func newLogger(level, encoding string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level: %v", level)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	logConfig.Encoding = encoding
	logConfig.Sampling = nil
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return logConfig.Build()
}
