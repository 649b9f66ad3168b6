package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"convscope/internal/cache"
	"convscope/internal/config"
	"convscope/internal/gradcam"
	"convscope/internal/httpapi"
	"convscope/internal/infer"
	"convscope/internal/manager"
	"convscope/internal/model"
	"convscope/internal/registry"
	"convscope/internal/storage"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Flags with environment variable defaults. A config file, when given,
	// fills anything the flags leave unset.
	addr := flag.String("addr", envOr("CONVSCOPE_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	cfgPath := flag.String("config", envOr("CONVSCOPE_CONFIG", ""), "Optional config file (.yaml/.json/.toml)")
	registryPath := flag.String("registry", envOr("CONVSCOPE_REGISTRY", "models.yaml"), "Model registry file")
	storageDir := flag.String("storage-dir", envOr("CONVSCOPE_STORAGE_DIR", "~/convscope/artifacts"), "Directory for job artifacts, served at /static/")
	workers := flag.Int("workers", 0, "Worker goroutines draining the job queue")
	queueDepth := flag.Int("queue-depth", 0, "Maximum queued jobs before submissions are rejected")
	jobTimeoutSec := flag.Int("job-timeout-sec", 0, "Per-job pipeline deadline in seconds (negative disables)")
	cacheDisabled := flag.Bool("cache-disabled", false, "Disable the result cache")
	cacheMax := flag.Int("cache-max-entries", 0, "Result cache capacity")
	maxUploadMB := flag.Int("max-upload-mb", 0, "Maximum upload size in MiB")
	corsOrigins := flag.String("cors-origins", envOr("CONVSCOPE_CORS_ORIGINS", ""), "Comma-separated allowed CORS origins")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	cfg := config.Config{
		Addr:            *addr,
		RegistryPath:    *registryPath,
		StorageDir:      *storageDir,
		Workers:         *workers,
		QueueDepth:      *queueDepth,
		JobTimeoutSec:   *jobTimeoutSec,
		CacheDisabled:   *cacheDisabled,
		CacheMaxEntries: *cacheMax,
		MaxUploadMB:     *maxUploadMB,
	}
	if *corsOrigins != "" {
		for _, o := range strings.Split(*corsOrigins, ",") {
			cfg.CORSOrigins = append(cfg.CORSOrigins, strings.TrimSpace(o))
		}
	}
	if *cfgPath != "" {
		fileCfg, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *cfgPath).Msg("failed to load config file")
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RegistryPath).Msg("failed to load model registry")
	}
	store, err := storage.New(cfg.StorageDir, log)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StorageDir).Msg("failed to prepare artifact storage")
	}

	cacheMaxEntries := cfg.CacheMaxEntries
	if cacheMaxEntries <= 0 {
		cacheMaxEntries = 128
	}
	results := cache.New(cacheMaxEntries, !cfg.CacheDisabled)

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Workers:    cfg.Workers,
		QueueDepth: cfg.QueueDepth,
		JobTimeout: cfg.JobTimeout(),
	}, reg,
		model.NewLoader(reg, log),
		infer.NewEngine(store, log),
		gradcam.NewEngine(store, log),
		store,
		results,
		log)
	mgr.Start()

	mux := httpapi.NewMux(mgr, httpapi.Config{
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		CORSOrigins:    cfg.CORSOrigins,
		StaticRoot:     store.Root(),
	}, log)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("registry", cfg.RegistryPath).Msg("convscoped listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM): drain HTTP first, then stop
	// workers so in-flight jobs settle.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
	mgr.Stop()
}

// mergeConfig fills zero-valued fields of base from file.
func mergeConfig(base, file config.Config) config.Config {
	if base.Addr == "" || base.Addr == ":8080" {
		if file.Addr != "" {
			base.Addr = file.Addr
		}
	}
	if file.RegistryPath != "" && base.RegistryPath == "models.yaml" {
		base.RegistryPath = file.RegistryPath
	}
	if file.StorageDir != "" && base.StorageDir == "~/convscope/artifacts" {
		base.StorageDir = file.StorageDir
	}
	if base.Workers == 0 {
		base.Workers = file.Workers
	}
	if base.QueueDepth == 0 {
		base.QueueDepth = file.QueueDepth
	}
	if base.JobTimeoutSec == 0 {
		base.JobTimeoutSec = file.JobTimeoutSec
	}
	if !base.CacheDisabled {
		base.CacheDisabled = file.CacheDisabled
	}
	if base.CacheMaxEntries == 0 {
		base.CacheMaxEntries = file.CacheMaxEntries
	}
	if base.MaxUploadMB == 0 {
		base.MaxUploadMB = file.MaxUploadMB
	}
	if len(base.CORSOrigins) == 0 {
		base.CORSOrigins = file.CORSOrigins
	}
	return base
}
