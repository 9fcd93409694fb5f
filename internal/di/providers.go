package di

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/aml"
	"github.com/betlink/betlinkd/internal/auth"
	"github.com/betlink/betlinkd/internal/cache"
	"github.com/betlink/betlinkd/internal/config"
	"github.com/betlink/betlinkd/internal/crypto"
	"github.com/betlink/betlinkd/internal/events"
	"github.com/betlink/betlinkd/internal/logging"
	"github.com/betlink/betlinkd/internal/metrics"
	"github.com/betlink/betlinkd/internal/server"
	"github.com/betlink/betlinkd/internal/storage/eventlog"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
	"github.com/betlink/betlinkd/internal/storage/relationaldb/postgres"
	"github.com/betlink/betlinkd/internal/wallet"
)

// Component names.
const (
	Logger        = "logger"
	Encryptor     = "encryptor"
	Repositories  = "repositories"
	CacheBackend  = "cache"
	Journal       = "journal"
	Bus           = "bus"
	MetricsName   = "metrics"
	WalletEngine  = "wallet"
	Analyzer      = "analyzer"
	Authenticator = "authenticator"
	HTTPServer    = "server"
)

// BuildContainer registers every component for the given configuration.
// Nothing is constructed until first Get.
func BuildContainer(ctx context.Context, cfg *config.Config) *Container {
	c := NewContainer()

	c.Register(Logger, func(c *Container) (interface{}, error) {
		log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		c.OnClose(Logger, func() error {
			_ = log.Sync() // stderr sync errors are expected and harmless
			return nil
		})
		return log, nil
	})

	c.Register(Encryptor, func(c *Container) (interface{}, error) {
		return crypto.NewEncryptor(cfg.Security.EncryptionKey)
	})

	c.Register(Repositories, func(c *Container) (interface{}, error) {
		enc, err := GetTyped[*crypto.Encryptor](c, Encryptor)
		if err != nil {
			return nil, err
		}
		rm, err := postgres.NewRepositoryManager(cfg.Database, enc)
		if err != nil {
			return nil, err
		}
		if err := rm.Open(ctx); err != nil {
			return nil, err
		}
		c.OnClose(Repositories, func() error { return rm.Close(context.Background()) })
		return rm, nil
	})

	c.Register(CacheBackend, func(c *Container) (interface{}, error) {
		var (
			backend cache.Cache
			err     error
		)
		switch cfg.Cache.Backend {
		case "redis":
			backend, err = cache.NewRedis(ctx, cfg.Cache.Redis)
		case "memory":
			backend, err = cache.NewMemory(cfg.Cache.Size)
		default:
			err = fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
		}
		if err != nil {
			return nil, err
		}
		c.OnClose(CacheBackend, backend.Close)
		return backend, nil
	})

	c.Register(Journal, func(c *Container) (interface{}, error) {
		j, err := eventlog.Open(cfg.Events.JournalDir)
		if err != nil {
			return nil, err
		}
		c.OnClose(Journal, j.Close)
		return j, nil
	})

	c.Register(Bus, func(c *Container) (interface{}, error) {
		log, err := GetTyped[*zap.Logger](c, Logger)
		if err != nil {
			return nil, err
		}
		j, err := GetTyped[*eventlog.Journal](c, Journal)
		if err != nil {
			return nil, err
		}
		m, err := GetTyped[*metrics.Metrics](c, MetricsName)
		if err != nil {
			return nil, err
		}
		bus := events.NewBus(cfg.Events.Bus, j, log.Named("events"))
		bus.OnDeadLetter(m.EventsDeadLetters.Inc)
		c.OnClose(Bus, bus.Close)
		return bus, nil
	})

	c.Register(MetricsName, func(c *Container) (interface{}, error) {
		return metrics.New(), nil
	})

	c.Register(WalletEngine, func(c *Container) (interface{}, error) {
		repos, err := GetTyped[relationaldb.RepositoryManager](c, Repositories)
		if err != nil {
			return nil, err
		}
		bus, err := GetTyped[*events.Bus](c, Bus)
		if err != nil {
			return nil, err
		}
		backend, err := GetTyped[cache.Cache](c, CacheBackend)
		if err != nil {
			return nil, err
		}
		log, err := GetTyped[*zap.Logger](c, Logger)
		if err != nil {
			return nil, err
		}
		return wallet.NewEngine(repos, bus, backend, log.Named("wallet")), nil
	})

	c.Register(Analyzer, func(c *Container) (interface{}, error) {
		repos, err := GetTyped[relationaldb.RepositoryManager](c, Repositories)
		if err != nil {
			return nil, err
		}
		bus, err := GetTyped[*events.Bus](c, Bus)
		if err != nil {
			return nil, err
		}
		log, err := GetTyped[*zap.Logger](c, Logger)
		if err != nil {
			return nil, err
		}
		m, err := GetTyped[*metrics.Metrics](c, MetricsName)
		if err != nil {
			return nil, err
		}
		analyzer := aml.NewAnalyzer(repos, bus, log.Named("aml"))
		analyzer.OnAlert(func(severity string) {
			m.AlertsRaised.WithLabelValues(severity).Inc()
		})
		if len(cfg.AML.LargeValueThresholds) > 0 {
			thresholds := make(map[string]decimal.Decimal, len(cfg.AML.LargeValueThresholds))
			for currency, v := range cfg.AML.LargeValueThresholds {
				thresholds[currency] = decimal.NewFromFloat(v)
			}
			analyzer.SetLargeValueThresholds(thresholds)
		}
		if err := analyzer.Bind(bus); err != nil {
			return nil, err
		}
		return analyzer, nil
	})

	c.Register(Authenticator, func(c *Container) (interface{}, error) {
		repos, err := GetTyped[relationaldb.RepositoryManager](c, Repositories)
		if err != nil {
			return nil, err
		}
		backend, err := GetTyped[cache.Cache](c, CacheBackend)
		if err != nil {
			return nil, err
		}
		log, err := GetTyped[*zap.Logger](c, Logger)
		if err != nil {
			return nil, err
		}
		limiter := auth.NewRateLimiter(backend, cfg.Security.RateLimit, log.Named("ratelimit"))
		authenticator := auth.NewAuthenticator(repos, backend, limiter, log.Named("auth"))
		authenticator.SetIPEnforcement(cfg.Security.AllowedIPEnforcement)
		return authenticator, nil
	})

	c.Register(HTTPServer, func(c *Container) (interface{}, error) {
		log, err := GetTyped[*zap.Logger](c, Logger)
		if err != nil {
			return nil, err
		}
		authenticator, err := GetTyped[*auth.Authenticator](c, Authenticator)
		if err != nil {
			return nil, err
		}
		engine, err := GetTyped[*wallet.Engine](c, WalletEngine)
		if err != nil {
			return nil, err
		}
		analyzer, err := GetTyped[*aml.Analyzer](c, Analyzer)
		if err != nil {
			return nil, err
		}
		repos, err := GetTyped[relationaldb.RepositoryManager](c, Repositories)
		if err != nil {
			return nil, err
		}
		m, err := GetTyped[*metrics.Metrics](c, MetricsName)
		if err != nil {
			return nil, err
		}
		bus, err := GetTyped[*events.Bus](c, Bus)
		if err != nil {
			return nil, err
		}

		srv := server.New(server.Config{
			ListenAddress:    cfg.Server.ListenAddress,
			ReadTimeout:      cfg.Server.ReadTimeout,
			WriteTimeout:     cfg.Server.WriteTimeout,
			RequestTimeout:   cfg.Server.RequestTimeout,
			ShutdownTimeout:  cfg.Server.ShutdownTimeout,
			AuthExcludePaths: cfg.Security.AuthExcludePaths,
		}, log.Named("http"), authenticator, engine, analyzer, repos, m)

		if err := srv.BindAlertStream(bus); err != nil {
			return nil, err
		}
		return srv, nil
	})

	return c
}

// GetTyped fetches a component and asserts its type.
func GetTyped[T any](c *Container, name string) (T, error) {
	var zero T
	instance, err := c.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("di: component %q has type %T, not %T", name, instance, zero)
	}
	return typed, nil
}
