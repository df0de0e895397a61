package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"freeproxy_nexus/internal/service/web"
	"freeproxy_nexus/internal/shared/config"
	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/internal/shared/types"
	manager "freeproxy_nexus/proxypool"
	"freeproxy_nexus/proxypool/scraper"
	"freeproxy_nexus/proxypool/storage"
	"freeproxy_nexus/proxypool/validator"
)

// AppServer is the application's main struct.
type AppServer struct {
	cfg       *types.Config
	configDir string

	registry         *prometheus.Registry
	hub              *web.Hub
	webServer        *web.Server
	proxyPoolManager *manager.Manager

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 根据配置组装代理池、抓取器、验证器、存储、指标与 Web 服务。
func New(cfg *types.Config, configDir string) (*AppServer, error) {
	s := &AppServer{
		cfg:       cfg,
		configDir: configDir,
		registry:  prometheus.NewRegistry(),
		hub:       web.NewHub(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	curated, err := config.CuratedBlacklist(cfg, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load blacklist: %w", err)
	}

	opts := []manager.Option{
		manager.WithMetrics(manager.NewMetrics(s.registry)),
		manager.WithEventSink(s.hub),
		manager.WithBlacklist(curated),
	}
	if cfg.Pool.StoragePath != "" {
		proxiesPath := s.resolve(cfg.Pool.StoragePath)
		if err := os.MkdirAll(filepath.Dir(proxiesPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		opts = append(opts, manager.WithStorage(storage.NewFileStorage(proxiesPath)))
	}

	geo := validator.NewGeoLocator(cfg.Geo)
	proxyValidator := validator.NewValidator(cfg.Tester, geo)
	scrapers := scraper.NewFromConfig(cfg.Sources)
	if len(scrapers) == 0 {
		logger.Warn().Msg("No proxy sources enabled. The pool only fills through imports.")
	}

	opts = append(opts, manager.WithConcurrency(proxyValidator.Concurrency()))
	s.proxyPoolManager = manager.NewManager(cfg.Pool, proxyValidator, scrapers, opts...)
	s.webServer = web.NewServer(cfg.Web, s.proxyPoolManager, s.hub, s.registry)
	return s, nil
}

// Manager exposes the proxy pool, for embedding callers.
func (s *AppServer) Manager() *manager.Manager {
	return s.proxyPoolManager
}

// Run starts every component and blocks until ctx is cancelled.
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Str("config_dir", s.configDir).Msg("Starting proxy pool service...")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(runCtx) // 启动 Hub
	}()

	if err := s.proxyPoolManager.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start proxy pool: %w", err)
	}
	if err := s.webServer.Start(runCtx, &s.waitGroup); err != nil {
		s.Stop()
		return err
	}

	<-runCtx.Done()
	s.Stop()
	cancel()
	s.waitGroup.Wait()
	logger.Info().Msg("Proxy pool service stopped.")
	return nil
}

// Stop gracefully shuts down the pool and persists it.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		s.proxyPoolManager.Stop()
	})
}

func (s *AppServer) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.configDir, path)
}
