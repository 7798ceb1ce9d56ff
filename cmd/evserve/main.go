//go:build linux

package main

import (
	"errors"
	"flag"
	"io"
	"net/http"
	"os"

	"github.com/evserve/evserve"
	"github.com/evserve/evserve/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	dirFlag            string
	configFlag         string
	dbFlag             string
	cacheMaxFlag       int64
	workersFlag        int
	adminFlag          string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.IntVar(&portFlag, "port", 80, "Port to listen on")
	flag.StringVar(&dirFlag, "dir", "static", "Directory to serve content from")
	flag.StringVar(&configFlag, "config", "", "YAML config file (flags take precedence)")
	flag.StringVar(&dbFlag, "db", "", "Cache DB file name (empty for in-process cache, 'memory' for in-memory db)")
	flag.Int64Var(&cacheMaxFlag, "cache-max-bytes", evserve.DefaultCacheBytes, "Content cache byte cap (0 for unbounded)")
	flag.IntVar(&workersFlag, "workers", 4, "Loader goroutines (0 loads inline on the reactor)")
	flag.StringVar(&adminFlag, "admin", "", "Address for the admin/metrics endpoint (disabled if empty)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
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

	cfg := resolveConfig()

	// pick the cache provider
	var provider cache.Provider
	if cfg.DB == "" {
		provider = cache.NewMemCache(cfg.CacheMaxBytes)
	} else {
		provider = cache.NewSQLiteCache(cfg.DB, cfg.CacheMaxBytes)
	}

	srv := evserve.NewServer(evserve.Config{
		Port:    cfg.Port,
		Dir:     cfg.Dir,
		Cache:   provider,
		Workers: cfg.Workers,
		Logger:  &log.Logger,
	})

	if err := srv.Listen(); err != nil {
		if errors.Is(err, evserve.ErrBindPermission) {
			log.Fatal().Err(err).Msgf("Binding port %d requires elevated privileges", cfg.Port)
		}
		log.Fatal().Err(err).Msg("Startup failed")
	}

	if cfg.AdminAddr != "" {
		go func() {
			log.Info().Msgf("Admin endpoint on %s", cfg.AdminAddr)
			if err := http.ListenAndServe(cfg.AdminAddr, srv.AdminHandler()); err != nil {
				log.Error().Err(err).Msg("Admin endpoint failed")
			}
		}()
	}

	log.Info().Msgf("Serving %s on port %d", cfg.Dir, srv.Port())
	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("Server terminated")
	}
}

// resolveConfig merges the optional config file with the flags. An
// explicitly set flag wins over the file value.
func resolveConfig() Config {
	cfg := Config{
		Port:          portFlag,
		Dir:           dirFlag,
		DB:            dbFlag,
		CacheMaxBytes: cacheMaxFlag,
		Workers:       workersFlag,
		AdminAddr:     adminFlag,
	}
	if configFlag == "" {
		return cfg
	}
	fileCfg, err := getConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot read config file")
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["port"] && fileCfg.Port != 0 {
		cfg.Port = fileCfg.Port
	}
	if !set["dir"] && fileCfg.Dir != "" {
		cfg.Dir = fileCfg.Dir
	}
	if !set["db"] && fileCfg.DB != "" {
		cfg.DB = fileCfg.DB
	}
	if !set["cache-max-bytes"] && fileCfg.CacheMaxBytes != 0 {
		cfg.CacheMaxBytes = fileCfg.CacheMaxBytes
	}
	if !set["workers"] && fileCfg.Workers != 0 {
		cfg.Workers = fileCfg.Workers
	}
	if !set["admin"] && fileCfg.AdminAddr != "" {
		cfg.AdminAddr = fileCfg.AdminAddr
	}
	return cfg
}
