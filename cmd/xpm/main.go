package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/xpm-connect/internal/adapter/cache"
	xeroadapter "github.com/smallbiznis/xpm-connect/internal/adapter/xero"
	"github.com/smallbiznis/xpm-connect/internal/bootstrap"
	"github.com/smallbiznis/xpm-connect/internal/config"
	"github.com/smallbiznis/xpm-connect/internal/crypto"
	httptransport "github.com/smallbiznis/xpm-connect/internal/http"
	"github.com/smallbiznis/xpm-connect/internal/http/handler"
	apimiddleware "github.com/smallbiznis/xpm-connect/internal/middleware"
	"github.com/smallbiznis/xpm-connect/internal/repository"
	"github.com/smallbiznis/xpm-connect/internal/server"
	authservice "github.com/smallbiznis/xpm-connect/internal/service/auth"
	"github.com/smallbiznis/xpm-connect/internal/service/token"
	"github.com/smallbiznis/xpm-connect/internal/service/xpm"
	"github.com/smallbiznis/xpm-connect/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		storageModule(cfg.DatabaseDriver),
		fx.Provide(
			newLogger,
			newTelemetry,
			newCipher,
			newRedisClient,
			newOAuthStateStore,
			newProviderClient,
			newRefresher,
			newOAuthProvider,
			newXPMClient,
			newTokenStore,
			newResolver,
			newRateLimiter,
			authservice.NewOAuthService,
			handler.NewXeroHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

// storageModule selects the token repository backend.
func storageModule(driver string) fx.Option {
	if driver == "sqlite" {
		return fx.Provide(newSQLiteTokenRepository)
	}
	return fx.Options(
		fx.Provide(newPGXPool, newPostgresTokenRepository),
		fx.Invoke(bootstrap.EnsureSchema),
	)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newCipher(cfg config.Config) (*crypto.Cipher, error) {
	return crypto.NewCipher(cfg.TokenEncryptionKey)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newPostgresTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newSQLiteTokenRepository(lc fx.Lifecycle, cfg config.Config) (repository.TokenRepository, error) {
	repo, err := repository.NewSQLiteTokenRepo(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return repo.Close()
		},
	})
	return repo, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newOAuthStateStore(client redis.UniversalClient) repository.OAuthStateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newProviderClient(cfg config.Config, logger *zap.Logger) *xeroadapter.HTTPProviderClient {
	return xeroadapter.NewHTTPProviderClient(cfg.Provider(), xeroadapter.Options{
		MaxBodyBytes: cfg.UpstreamMaxBodyBytes,
		Logger:       logger.Named("xero_client"),
	})
}

func newRefresher(client *xeroadapter.HTTPProviderClient) token.Refresher {
	return client
}

func newOAuthProvider(client *xeroadapter.HTTPProviderClient) authservice.Provider {
	return client
}

func newXPMClient(client *xeroadapter.HTTPProviderClient) xpm.Client {
	return client
}

func newTokenStore(repo repository.TokenRepository, cipher *crypto.Cipher, refresher token.Refresher, logger *zap.Logger) token.Store {
	return token.NewStore(repo, cipher, refresher, logger)
}

func newResolver(client xpm.Client, tokens token.Store, cfg config.Config, logger *zap.Logger) xpm.Resolver {
	return xpm.NewResolver(client, tokens, xpm.Config{
		APIBaseURL:       cfg.XeroAPIBaseURL,
		CandidateTimeout: cfg.CandidateTimeout,
		QueryTimeout:     cfg.QueryTimeout,
	}, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr), zap.String("driver", cfg.DatabaseDriver))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
