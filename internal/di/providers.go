package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/app"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/config"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/database"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/gateway"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/health"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/handler"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/middleware"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/router"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/pubsub"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/repository"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

var InfraSet = wire.NewSet(
	provideRuntime,
	provideLogger,
	provideDB,
	provideRedisClient,
)

var ServiceSet = wire.NewSet(
	repository.NewSessionRepository,
	repository.NewMessageRepository,
	provideSessionCache,
	provideTombstones,
	provideSessionLifecycleManager,
	wire.Bind(new(service.SessionServiceInterface), new(*service.SessionLifecycleManager)),
	provideConversationService,
	wire.Bind(new(service.ConversationServiceInterface), new(*service.ConversationService)),
	provideSweeper,
)

var TransportSet = wire.NewSet(
	provideJWTManager,
	wire.Bind(new(security.TokenVerifier), new(*security.JWTManager)),
	provideRoomRelay,
	provideGateway,
	handler.NewSessionHandler,
	handler.NewMessageHandler,
	provideReadiness,
	provideRateLimitBackend,
	provideRouter,
	provideHTTPServer,
	provideApp,
)

func provideRuntime(ctx context.Context, cfg *config.Config) (*observability.Runtime, func(), error) {
	rt, err := observability.InitRuntime(ctx, cfg, observability.NewLogger(cfg, nil))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}
	return rt, cleanup, nil
}

func provideLogger(cfg *config.Config, rt *observability.Runtime) *slog.Logger {
	logger := rt.Logger(cfg, observability.NewLogger(cfg, nil))
	slog.SetDefault(logger)
	return logger
}

func provideDB(cfg *config.Config, logger *slog.Logger) (*gorm.DB, func(), error) {
	return database.Open(cfg, logger)
}

// provideRedisClient returns nil when neither the cache nor the relay needs
// Redis.
func provideRedisClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (redis.UniversalClient, func(), error) {
	if !cfg.SessionCacheEnabled && !cfg.RoomRelayEnabled {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// The cache degrades to the store; only a missing relay is fatal.
		if cfg.RoomRelayEnabled {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Warn("redis unreachable at startup, session cache will miss", "addr", cfg.RedisAddr, "error", err)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	return client, cleanup, nil
}

func provideSessionCache(cfg *config.Config, client redis.UniversalClient) service.SessionCacheStore {
	if !cfg.SessionCacheEnabled || client == nil {
		return service.NewNoopSessionCacheStore()
	}
	return service.NewRedisSessionCacheStore(client, cfg.SessionCachePrefix)
}

func provideTombstones(cfg *config.Config, client redis.UniversalClient) service.SessionTombstoneStore {
	if client == nil {
		return service.NewInMemorySessionTombstoneStore()
	}
	return service.NewRedisSessionTombstoneStore(client, cfg.SessionCachePrefix+"_tombstone")
}

func provideSessionLifecycleManager(
	cfg *config.Config,
	sessions repository.SessionRepository,
	cache service.SessionCacheStore,
	tombstones service.SessionTombstoneStore,
	logger *slog.Logger,
) *service.SessionLifecycleManager {
	return service.NewSessionLifecycleManager(sessions, cache, tombstones, service.SessionLifecycleOptions{
		InactivityWindow:  cfg.SessionInactivityWindow,
		MaxActivePerOwner: cfg.MaxActiveSessionsPerOwner,
		CacheTTL:          cfg.SessionCacheTTL,
		TombstoneTTL:      cfg.SessionTombstoneTTL,
		StoreTimeout:      cfg.StoreTimeout,
		CacheTimeout:      cfg.CacheTimeout,
		SweepBatchSize:    cfg.SweepBatchSize,
	}, logger)
}

func provideConversationService(
	cfg *config.Config,
	sessions service.SessionServiceInterface,
	messages repository.MessageRepository,
	logger *slog.Logger,
) *service.ConversationService {
	return service.NewConversationService(sessions, messages, service.NewExtractiveSummarizer(), service.ConversationOptions{
		SummaryThreshold: cfg.SummaryThreshold,
		SummaryWindow:    cfg.SummaryWindow,
		SummaryTimeout:   cfg.SummaryTimeout,
		StoreTimeout:     cfg.StoreTimeout,
	}, logger)
}

func provideSweeper(cfg *config.Config, sessions *service.SessionLifecycleManager, logger *slog.Logger) *service.ExpirationSweeper {
	return service.NewExpirationSweeper(sessions, cfg.SweepInterval, cfg.ExpiredRetention, logger)
}

func provideJWTManager(cfg *config.Config) *security.JWTManager {
	return security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret)
}

// provideRoomRelay returns nil unless the relay is enabled.
func provideRoomRelay(cfg *config.Config, client redis.UniversalClient, logger *slog.Logger) *pubsub.RedisRoomRelay {
	if !cfg.RoomRelayEnabled || client == nil {
		return nil
	}
	return pubsub.NewRedisRoomRelay(client, cfg.RoomRelayChannel, logger)
}

func provideGateway(
	cfg *config.Config,
	verifier security.TokenVerifier,
	sessions *service.SessionLifecycleManager,
	conversations *service.ConversationService,
	relay *pubsub.RedisRoomRelay,
	logger *slog.Logger,
) *gateway.Server {
	var roomRelay gateway.RoomRelay
	if relay != nil {
		roomRelay = relay
	}
	return gateway.NewServer(gateway.NewHub(), verifier, sessions, conversations, roomRelay, gateway.Options{
		AuthTimeout:        cfg.WSAuthTimeout,
		PingInterval:       cfg.WSPingInterval,
		ReadTimeout:        cfg.WSReadTimeout,
		WriteTimeout:       cfg.WSWriteTimeout,
		OperationTimeout:   cfg.StoreTimeout,
		MaxMessageSize:     cfg.WSMaxMessageSize,
		SendBuffer:         cfg.WSSendBuffer,
		RecentHistoryLimit: cfg.RecentHistoryLimit,
		AllowedOrigins:     cfg.WSAllowedOrigins,
	}, logger)
}

func provideReadiness(db *gorm.DB, client redis.UniversalClient) *health.ProbeRunner {
	return health.NewProbeRunner(2*time.Second, time.Second, health.DBChecker(db), health.RedisChecker(client))
}

// provideRateLimitBackend shares limits across nodes when Redis is
// configured; nil keeps them node-local.
func provideRateLimitBackend(client redis.UniversalClient) middleware.Limiter {
	if client == nil {
		return nil
	}
	return middleware.NewRedisLimiter(client, "chat:ratelimit")
}

func provideRouter(
	cfg *config.Config,
	sessions *handler.SessionHandler,
	messages *handler.MessageHandler,
	gw *gateway.Server,
	verifier security.TokenVerifier,
	readiness *health.ProbeRunner,
	limiter middleware.Limiter,
	logger *slog.Logger,
) http.Handler {
	return router.NewRouter(router.Dependencies{
		SessionHandler:   sessions,
		MessageHandler:   messages,
		Gateway:          gw,
		TokenVerifier:    verifier,
		CORSOrigins:      cfg.WSAllowedOrigins,
		APIRateLimitRPM:  cfg.APIRateLimitRPM,
		WSConnectRateRPM: cfg.WSConnectRateRPM,
		RateLimitBackend: limiter,
		Readiness:        readiness,
		EnableOTelHTTP:   cfg.EnableOTelHTTP,
		Logger:           logger,
	})
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	gw *gateway.Server,
	sweeper *service.ExpirationSweeper,
	relay *pubsub.RedisRoomRelay,
	conversations *service.ConversationService,
	rt *observability.Runtime,
) *app.App {
	var r app.Relay
	if relay != nil {
		r = relay
	}
	return app.New(cfg, logger, server, gw, sweeper, r, conversations, rt)
}
