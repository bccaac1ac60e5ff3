package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-integrations/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/valora-integrations/internal/adapter/oauth"
	"github.com/smallbiznis/valora-integrations/internal/bootstrap"
	"github.com/smallbiznis/valora-integrations/internal/config"
	"github.com/smallbiznis/valora-integrations/internal/crypto"
	"github.com/smallbiznis/valora-integrations/internal/domain/integration"
	httptransport "github.com/smallbiznis/valora-integrations/internal/http"
	"github.com/smallbiznis/valora-integrations/internal/http/handler"
	apimiddleware "github.com/smallbiznis/valora-integrations/internal/middleware"
	"github.com/smallbiznis/valora-integrations/internal/provider"
	"github.com/smallbiznis/valora-integrations/internal/repository"
	"github.com/smallbiznis/valora-integrations/internal/server"
	integrationsvc "github.com/smallbiznis/valora-integrations/internal/service/integration"
	"github.com/smallbiznis/valora-integrations/internal/statetoken"
	"github.com/smallbiznis/valora-integrations/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newRegistry,
			newStateCodec,
			newCipher,
			newCredentialRepository,
			newCredentialStore,
			newNonceGuard,
			newProviderClient,
			newExchangeClient,
			newRevoker,
			newIntegrationService,
			newRateLimiter,
			handler.NewIntegrationHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSchema, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
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

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
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

func newRegistry(cfg config.Config) *provider.Registry {
	creds := make(map[integration.ProviderKind]provider.Credentials, len(cfg.Providers))
	for kind, c := range cfg.Providers {
		creds[kind] = provider.Credentials{ClientID: c.ClientID, ClientSecret: c.ClientSecret}
	}
	return provider.NewRegistry(cfg.OAuthRedirectURI, creds)
}

func newStateCodec(cfg config.Config) (*statetoken.Codec, error) {
	return statetoken.NewCodec([]byte(cfg.StateSecret))
}

func newCipher(cfg config.Config) (crypto.Cipher, error) {
	return crypto.NewAESCipher(cfg.EncryptionSecret)
}

func newCredentialRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.CredentialRepository {
	return repository.NewPostgresCredentialRepo(pool, node)
}

func newCredentialStore(repo repository.CredentialRepository, cipher crypto.Cipher) *integrationsvc.CredentialStore {
	return integrationsvc.NewCredentialStore(repo, cipher)
}

func newNonceGuard(client redis.UniversalClient) repository.NonceGuard {
	return cacheadapter.NewRedisNonceGuard(client)
}

func newProviderClient(cfg config.Config) *oauthadapter.HTTPProviderClient {
	return oauthadapter.NewHTTPProviderClient(&http.Client{Timeout: cfg.TokenExchangeTimeout})
}

func newExchangeClient(client *oauthadapter.HTTPProviderClient) oauthadapter.ExchangeClient {
	return client
}

func newRevoker(client *oauthadapter.HTTPProviderClient) oauthadapter.Revoker {
	return client
}

func newIntegrationService(
	registry *provider.Registry,
	codec *statetoken.Codec,
	client oauthadapter.ExchangeClient,
	revoker oauthadapter.Revoker,
	store *integrationsvc.CredentialStore,
	nonces repository.NonceGuard,
	logger *zap.Logger,
) integrationsvc.Service {
	return integrationsvc.NewService(registry, codec, client, revoker, store, nonces, logger)
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
