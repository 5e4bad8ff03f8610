package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/offline-cache/offline-cache/core"
	"github.com/offline-cache/offline-cache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	providerFlag       string
	cacheDBFlag        string
	queueDBFlag        string
	generationFlag     string
	fallbackFlag       string
	livenessFlag       string
	ignoreQueryFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: sqlite, leveldb or memory")
	flag.StringVar(&cacheDBFlag, "db", "", "Cache DB file name (use 'memory' for in-memory sqlite)")
	flag.StringVar(&queueDBFlag, "queue-db", "", "Submission queue DB file name")
	flag.StringVar(&generationFlag, "generation", "", "Active cache generation tag")
	flag.StringVar(&fallbackFlag, "fallback", "", "Path of the offline fallback page")
	flag.StringVar(&livenessFlag, "liveness", "", "Connectivity check path, never cached")
	flag.BoolVar(&ignoreQueryFlag, "ignore-query", false, "Drop query strings from cache keys")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func applyFlagOverrides(config *Config) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if providerFlag != "" {
		config.Provider = providerFlag
	}
	if cacheDBFlag != "" {
		config.CacheDB = cacheDBFlag
	}
	if queueDBFlag != "" {
		config.QueueDB = queueDBFlag
	}
	if generationFlag != "" {
		config.Generation = generationFlag
	}
	if fallbackFlag != "" {
		config.Fallback = fallbackFlag
	}
	if livenessFlag != "" {
		config.Liveness = livenessFlag
	}
	if ignoreQueryFlag {
		config.IgnoreQuery = true
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := Config{}
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}
	applyFlagOverrides(&config)

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	classifier, err := core.NewClassifier(core.ClassifierConfig{
		LivenessPath:    config.Liveness,
		TilePattern:     config.TilePattern,
		ExcludePatterns: config.Exclude,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid classifier configuration")
	}

	cache := newCacheProvider(config)

	queueDB := config.QueueDB
	if queueDB == "" {
		queueDB = "queue.db"
	}
	store, err := queue.NewSQLiteStore(queueDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open submission queue store")
	}
	defer store.Close()

	q := queue.New(queue.Config{Store: store})
	interceptor := queue.NewFormInterceptor(q, queue.InterceptorConfig{
		OriginURL:   *originURL,
		PendingPath: config.PendingPath,
		NameField:   config.NameField,
	})

	var fetchTimeout time.Duration
	if config.FetchTimeout != "" {
		if fetchTimeout, err = time.ParseDuration(config.FetchTimeout); err != nil {
			log.Fatal().Err(err).Msg("Invalid fetch timeout")
		}
	}

	proxy := core.NewProxy(core.Config{
		Cache:        cache,
		OriginURL:    *originURL,
		OriginHost:   config.Host,
		Generation:   config.Generation,
		FetchTimeout: fetchTimeout,
		FallbackPath: config.Fallback,
		IgnoreQuery:  config.IgnoreQuery,
		Classifier:   classifier,
		Interceptor:  interceptor,
	})

	// seed the fallback entry and warm preload batches in the
	// background so an unreachable origin does not block startup
	go func() {
		if err := proxy.SeedFallback(); err != nil {
			log.Warn().Err(err).Msg("Could not seed fallback entry")
		}
		for resource, paths := range config.Preload {
			if _, err := proxy.Preload(resource, paths); err != nil {
				log.Warn().Err(err).Str("resource", resource).Msg("Preload failed")
			}
		}
	}()

	router := chi.NewRouter()
	admin := proxy.ControlRoutes()
	admin.Mount("/queue", q.Routes())
	router.Mount("/.offline-cache", admin)
	router.Handle("/*", proxy)

	port := config.Port
	if port == 0 {
		port = 8080
	}
	log.Info().Msgf("Proxying port %v to %s (generation %s)", port, originURL, proxy.Generation())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func newCacheProvider(config Config) core.CacheProvider {
	cacheDB := config.CacheDB
	if cacheDB == "" {
		cacheDB = "cache.db"
	}
	switch config.Provider {
	case "", "sqlite":
		if cacheDB == "memory" {
			cacheDB = "file::memory:?cache=shared"
		}
		cache, err := core.NewSQLiteCache(cacheDB)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open sqlite cache")
		}
		return cache
	case "leveldb":
		cache, err := core.NewLevelDBCache(cacheDB)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open leveldb cache")
		}
		return cache
	case "memory":
		return core.NewMemCache()
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", config.Provider)
		return nil
	}
}
