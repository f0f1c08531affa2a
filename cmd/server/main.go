package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	loginapi "go.pilab.hu/fedlogin/api/echo"
	"go.pilab.hu/fedlogin/cache"
	rediscache "go.pilab.hu/fedlogin/cache/redis"
	"go.pilab.hu/fedlogin/config"
	"go.pilab.hu/fedlogin/internal/errorlog"
	"go.pilab.hu/fedlogin/internal/idtoken"
	"go.pilab.hu/fedlogin/internal/jwks"
	"go.pilab.hu/fedlogin/internal/loginflow"
	"go.pilab.hu/fedlogin/internal/metrics"
	"go.pilab.hu/fedlogin/internal/profile"
	"go.pilab.hu/fedlogin/internal/server"
	"go.pilab.hu/fedlogin/internal/statestore"
	"go.pilab.hu/fedlogin/log"
	"go.pilab.hu/fedlogin/mongodb"
	"go.pilab.hu/fedlogin/services"
	"go.pilab.hu/fedlogin/tracing"
)

var (
	appLogger      log.Logger
	httpServer     *http.Server
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)
	ctx := context.Background()
	appLogger.Info(ctx, "Starting fedlogin server", map[string]interface{}{
		"http_port":    cfg.HTTPPort,
		"provider":     cfg.ProviderDomain,
		"flow":         string(cfg.Flow),
		"sign_alg":     string(cfg.SignAlgorithm),
		"otel_service": cfg.OtelServiceName,
	})

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
	}
	tracerProvider = tp

	if initErr := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); initErr != nil {
		appLogger.Fatal(ctx, "Failed to initialize MongoDB connection", initErr)
	}
	db := mongodb.GetDB()

	userRepo, err := mongodb.NewUserRepository(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize UserRepository", err)
	}
	identityRepo, err := mongodb.NewFederatedIdentityRepository(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize FederatedIdentityRepository", err)
	}
	sessionRepo, err := mongodb.NewSessionRepository(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize SessionRepository", err)
	}

	var sessionCache cache.SessionCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			appLogger.Fatal(ctx, "Failed to connect to Redis", pingErr)
		}
		sessionCache = rediscache.NewSessionCache(redisClient)
	} else {
		sessionCache = cache.NewMemorySessionCache()
	}

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	states := statestore.New(cfg.StateTTL)
	defer states.Stop()

	var verifier idtoken.Verifier
	switch cfg.SignAlgorithm {
	case config.AlgRS256:
		keys := jwks.NewClient(cfg.ProviderDomain, cfg.JWKSCacheTTL, cfg.ProviderTimeout)
		verifier = idtoken.NewRS256Verifier(keys)
	default:
		verifier = idtoken.NewHS256Verifier(cfg.ClientSecret)
	}
	validator := idtoken.NewValidator(verifier, states)

	resolver := services.NewIdentityResolver(userRepo, identityRepo, services.ResolverPolicy{
		AllowSignup:               cfg.AllowSignup,
		RequireVerifiedEmail:      cfg.RequireVerifiedEmail,
		SkipEmailVerifyStrategies: cfg.SkipEmailVerifyStrategies,
	}, appLogger)

	sessionSvc := services.NewSessionService(
		sessionRepo, sessionCache,
		cfg.SessionCookieName, cfg.SessionTTL, cfg.RememberSessionTTL,
		cfg.SecureCookies, appLogger)

	// The Management API collaborator is optional; without credentials
	// the flow falls back to sanitized token claims.
	var mgmt *profile.Client
	var profiles profile.Fetcher
	var verifySender profile.VerificationSender
	if cfg.MgmtClientID != "" && cfg.MgmtClientSecret != "" {
		audience := cfg.MgmtAudience
		if audience == "" {
			audience = fmt.Sprintf("https://%s/api/v2/", cfg.ProviderDomain)
		}
		mgmt = profile.NewClient(cfg.ProviderDomain, cfg.MgmtClientID, cfg.MgmtClientSecret, audience, cfg.ProviderTimeout)
		profiles = mgmt
		verifySender = mgmt
	}

	flow := loginflow.NewController(loginflow.Config{
		Domain:          cfg.ProviderDomain,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		Flow:            cfg.Flow,
		Scope:           cfg.Scope,
		Connection:      cfg.Connection,
		RedirectURI:     cfg.RedirectURI(),
		DefaultRedirect: cfg.DefaultRedirect,
		LoggedOutPath:   loginapi.LoggedOutPath,
		AutoLogin:       cfg.AutoLogin,
		SingleLogout:    cfg.SingleLogout,
		RememberSession: cfg.RememberSession,
		MaxAge:          cfg.MaxAge,
		ProviderTimeout: cfg.ProviderTimeout,
	}, states, validator, resolver, sessionSvc, profiles, errorlog.NewLogReporter(appLogger), appLogger)

	api := loginapi.NewLoginAPI(loginapi.Config{
		PublicURL:     cfg.PublicURL,
		StateTTL:      cfg.StateTTL,
		SecureCookies: cfg.SecureCookies,
	}, flow, sessionSvc, verifySender, appLogger)

	httpServer = server.NewHTTPServer(cfg, appLogger, api, flow, sessionSvc)
	go func() {
		appLogger.Info(ctx, fmt.Sprintf("HTTP server listening on port %s", cfg.HTTPPort))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			appLogger.Fatal(ctx, "Failed to start HTTP server", serveErr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	appLogger.Info(ctx, fmt.Sprintf("Received signal: %v. Shutting down...", sig))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err)
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err)
		}
	}
	if err := mongodb.Disconnect(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "MongoDB disconnect error", err)
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}
