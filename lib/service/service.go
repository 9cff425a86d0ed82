/*
Copyright 2024 Gatewarden Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package service wires configuration, stores, providers, the resolver,
// the syncer and the HTTP surface into a runnable process.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/loader"
	"github.com/gatewarden/gatewarden/lib/lock"
	"github.com/gatewarden/gatewarden/lib/provider"
	"github.com/gatewarden/gatewarden/lib/repository"
	"github.com/gatewarden/gatewarden/lib/repository/pgrepo"
	"github.com/gatewarden/gatewarden/lib/repository/redisrepo"
	"github.com/gatewarden/gatewarden/lib/resolver"
	"github.com/gatewarden/gatewarden/lib/roles"
	"github.com/gatewarden/gatewarden/lib/syncer"
	"github.com/gatewarden/gatewarden/lib/web"
)

// Source describes one resource inventory feeding a provider.
type Source struct {
	// Type is the resource type the source produces.
	Type types.ResourceType
	// Load pulls the inventory from the system of record.
	Load loader.LoadFunc
	// SecondaryLoad optionally pulls a second inventory unioned under
	// the primary.
	SecondaryLoad loader.LoadFunc
}

// Config holds the assembled service dependencies. The concrete
// identity and inventory clients are injected by the caller.
type Config struct {
	// FileConfig is the parsed configuration file.
	FileConfig *config.FileConfig
	// RolesProvider is the identity provider client.
	RolesProvider roles.Provider
	// Sources lists the resource inventories to serve.
	Sources []Source
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger is the process log; built from FileConfig.Log when nil.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("missing parameter FileConfig")
	}
	if c.RolesProvider == nil {
		return trace.BadParameter("missing parameter RolesProvider")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = newLogger(c.FileConfig.Log)
	}
	return nil
}

// Service is the assembled process.
type Service struct {
	cfg        Config
	loaders    []*loader.Loader
	registry   *provider.Registry
	repository repository.Repository
	syncer     *syncer.Syncer
	handler    *web.Handler
	closers    []func()
}

// New assembles a service from configuration.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fc := cfg.FileConfig
	s := &Service{cfg: cfg}

	var redisClient redis.UniversalClient
	if fc.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fc.Redis.Addr,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
		})
		s.closers = append(s.closers, func() { redisClient.Close() })
	}

	repo, err := s.buildRepository(ctx, fc.Repository.Kind, redisClient)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.repository = repo

	registry, err := s.buildProviders(fc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.registry = registry

	res, err := resolver.New(resolver.Config{
		RolesProvider:                    cfg.RolesProvider,
		Providers:                        registry,
		AdminRoles:                       fc.Admin.Roles,
		UnrestrictedRoles:                fc.Unrestricted.Roles,
		AllowAccessToUnknownApplications: fc.AllowAccessToUnknownApplications,
		Logger:                           cfg.Logger.With("component", "resolver"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var locker lock.Locker
	if redisClient != nil {
		locker, err = lock.NewRedis(lock.RedisConfig{
			Client:    redisClient,
			KeyPrefix: fc.Redis.KeyPrefix,
			Clock:     cfg.Clock,
			Logger:    cfg.Logger.With("component", "lock"),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		locker = lock.NewLocal(cfg.Clock)
	}

	s.syncer, err = syncer.New(syncer.Config{
		Resolver:        res,
		Repository:      repo,
		Providers:       registry,
		Locker:          locker,
		Schedule:        fc.SyncSchedule(),
		Timeout:         fc.SyncTimeout(),
		RetryInterval:   fc.SyncRetryInterval(),
		SuccessInterval: fc.SyncSchedule(),
		FailureInterval: fc.SyncFailureInterval(),
		Enabled:         fc.WriteMode.Enabled,
		Clock:           cfg.Clock,
		Logger:          cfg.Logger.With("component", "syncer"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.handler, err = web.NewHandler(web.Config{
		Repository:    repo,
		Resolver:      res,
		Providers:     registry,
		GetAllEnabled: fc.GetAllEnabled,
		Logger:        cfg.Logger.With("component", "web"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Handler returns the HTTP surface, for serving or tests.
func (s *Service) Handler() http.Handler { return s.handler }

// Repository returns the wired permission store.
func (s *Service) Repository() repository.Repository { return s.repository }

// Run starts the loaders, the syncer and the HTTP server, and blocks
// until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	for _, l := range s.loaders {
		// first load before serving; failures are tolerated, the loader
		// keeps retrying on its schedule
		if err := l.Refresh(ctx); err != nil {
			s.cfg.Logger.WarnContext(ctx, "Initial resource load failed",
				"loader", l.Name(), "error", err)
		}
		go l.Run(ctx)
	}

	s.syncer.SetInService(true)
	go func() {
		if err := s.syncer.Run(ctx); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "Syncer exited", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:    s.cfg.FileConfig.ListenAddr,
		Handler: s.handler,
	}
	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.InfoContext(ctx, "Serving", "listen_addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return trace.Wrap(srv.Shutdown(shutdownCtx))
	case err := <-errCh:
		return trace.Wrap(err)
	}
}

func (s *Service) close() {
	for _, fn := range s.closers {
		fn()
	}
}

// buildRepository resolves the configured repository kind to a concrete
// store.
func (s *Service) buildRepository(ctx context.Context, kind string, redisClient redis.UniversalClient) (repository.Repository, error) {
	fc := s.cfg.FileConfig
	switch kind {
	case config.RepositoryInMemory:
		return repository.NewMemory(), nil
	case config.RepositoryRelational:
		repo, err := pgrepo.New(ctx, pgrepo.Config{
			ConnString: fc.Postgres.ConnString,
			CacheTTL:   fc.UnrestrictedCacheTTL(),
			Clock:      s.cfg.Clock,
			Logger:     s.cfg.Logger.With("component", "repository:postgres"),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.closers = append(s.closers, repo.Close)
		return repo, nil
	case config.RepositoryRemoteKV:
		repo, err := redisrepo.New(redisrepo.Config{
			Client:    redisClient,
			KeyPrefix: fc.Redis.KeyPrefix,
			CacheTTL:  fc.UnrestrictedCacheTTL(),
			Clock:     s.cfg.Clock,
			Logger:    s.cfg.Logger.With("component", "repository:redis"),
		})
		return repo, trace.Wrap(err)
	case config.RepositoryDual:
		primary, err := s.buildRepository(ctx, fc.Repository.Dual.Primary, redisClient)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		previous, err := s.buildRepository(ctx, fc.Repository.Dual.Previous, redisClient)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		dual, err := repository.NewDual(primary, previous)
		return dual, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("unknown repository kind %q", kind)
	}
}

// buildProviders constructs one loader and provider per configured
// source.
func (s *Service) buildProviders(fc *config.FileConfig) (*provider.Registry, error) {
	registry, err := provider.NewRegistry()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, src := range s.cfg.Sources {
		primary, err := s.buildLoader(fc, src.Type, src.Type.KeySuffix(), src.Load)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var secondary *loader.Loader
		if src.SecondaryLoad != nil {
			secondary, err = s.buildLoader(fc, src.Type, src.Type.KeySuffix()+":secondary", src.SecondaryLoad)
			if err != nil {
				return nil, trace.Wrap(err)
			}
		}

		var p provider.Provider
		if src.Type == types.ResourceTypeApplication {
			p, err = provider.NewApplicationProvider(provider.ApplicationConfig{
				Config: provider.Config{
					Loader:          primary,
					SecondaryLoader: secondary,
					Clock:           s.cfg.Clock,
					Logger:          s.cfg.Logger.With("component", "provider:applications"),
				},
				AllowAccessToUnknownApplications: fc.AllowAccessToUnknownApplications,
				ExecuteFallback:                  types.Authorization(fc.ExecuteFallback),
			})
		} else {
			p, err = provider.NewBaseProvider(provider.Config{
				Type:            src.Type,
				Loader:          primary,
				SecondaryLoader: secondary,
				Clock:           s.cfg.Clock,
				Logger:          s.cfg.Logger.With("component", "provider:"+src.Type.KeySuffix()),
			})
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := registry.Add(p); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return registry, nil
}

func (s *Service) buildLoader(fc *config.FileConfig, t types.ResourceType, name string, load loader.LoadFunc) (*loader.Loader, error) {
	l, err := loader.New(loader.Config{
		Name:            name,
		Load:            load,
		RefreshInterval: fc.RefreshInterval(),
		MaxStaleness:    fc.MaxStaleness(),
		Clock:           s.cfg.Clock,
		Logger:          s.cfg.Logger.With("component", "loader:"+name),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.loaders = append(s.loaders, l)
	return l, nil
}

// newLogger builds the process logger from file configuration.
func newLogger(lc config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(lc.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
