package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"storegate/internal/account"
	"storegate/internal/credential"
	"storegate/internal/db"
	"storegate/internal/identity"
	"storegate/internal/mail"
	"storegate/internal/maintenance"
	"storegate/internal/observability"
	"storegate/internal/session"
	"storegate/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret, err := mustEnv("JWT_REFRESH_SECRET")
	if err != nil {
		return nil, err
	}

	appEnv := envOrDefault("APP_ENV", "development")
	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), appEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database, logger); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	tokens := token.NewService(jwtSecret, refreshSecret)
	tokens.WithTTLs(
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envMinutesOrDefault("IDENTITY_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	replayWindow := envMinutesOrDefault("REPLAY_WINDOW_MINUTES", 10)

	// The shared Postgres stores keep revocation and replay state
	// consistent across instances; the in-process ones cover a single
	// instance without the extra round trips.
	var revocations session.RevocationStore
	var replay session.ReplayGuard
	pgRevocations := session.NewPostgresRevocations(database)
	pgReplay := session.NewPostgresReplay(database, replayWindow)
	var stopStores func()
	if envOrDefault("SESSION_STORE", "postgres") == "memory" {
		memRevocations := session.NewMemoryRevocations()
		memReplay := session.NewMemoryReplay(replayWindow)
		revocations = memRevocations
		replay = memReplay
		stopStores = func() {
			memRevocations.Stop()
			memReplay.Stop()
		}
	} else {
		revocations = pgRevocations
		replay = pgReplay
		stopStores = func() {}
	}

	accounts := account.NewPostgres(database)
	hasher := credential.NewBcryptHasher(envIntOrDefault("BCRYPT_COST", 12))

	var mailer mail.Mailer
	if mailerURL := strings.TrimSpace(os.Getenv("MAILER_URL")); mailerURL != "" {
		mailer, err = mail.NewWebhookMailer(mailerURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init mailer: %w", err)
		}
	} else {
		mailer = mail.NewLogMailer(logger.With(map[string]any{"component": "mail"}))
	}

	credentials := credential.NewService(accounts, tokens, revocations, hasher, mailer,
		logger.With(map[string]any{"component": "credential"}))
	credentials.WithSecurityConfig(
		credential.Policy{
			MinLength:     envIntOrDefault("PASSWORD_MIN_LENGTH", 8),
			MaxLength:     envIntOrDefault("PASSWORD_MAX_LENGTH", 200),
			RequireUpper:  envBoolOrDefault("PASSWORD_REQUIRE_UPPER", true),
			RequireLower:  envBoolOrDefault("PASSWORD_REQUIRE_LOWER", true),
			RequireDigit:  envBoolOrDefault("PASSWORD_REQUIRE_DIGIT", true),
			RequireSymbol: envBoolOrDefault("PASSWORD_REQUIRE_SYMBOL", false),
		},
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
	)
	credentials.WithTokenTTLs(
		envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 60),
		envHoursOrDefault("VERIFY_TOKEN_TTL_HOURS", 24),
		envHoursOrDefault("REVOCATION_TTL_HOURS", 168),
	)

	credentialHandler := credential.NewHandler(credentials, tokens.RefreshTTL(), appEnv == "production")

	var verifiers []identity.Verifier
	if clientID := strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")); clientID != "" {
		google, err := identity.NewGoogleVerifier(clientID)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init google verifier: %w", err)
		}
		verifiers = append(verifiers, google)
	}
	if envBoolOrDefault("GITHUB_OAUTH_ENABLED", false) {
		verifiers = append(verifiers, identity.NewGitHubVerifier())
	}
	linker := identity.NewLinker(accounts, credentials, replay,
		logger.With(map[string]any{"component": "identity"}), verifiers...)
	identityHandler := identity.NewHandler(linker, credentialHandler)

	cleanupHandler := maintenance.NewCleanupHandler(
		pgRevocations,
		pgReplay,
		accounts,
		logger.With(map[string]any{"component": "maintenance"}),
		os.Getenv("CRON_SECRET"),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	anonymousLimiter := credential.NewIPRateLimiter(
		envIntOrDefault("AUTH_RATE_LIMIT_PER_MINUTE", 10),
		envIntOrDefault("AUTH_RATE_LIMIT_BURST", 10),
	)
	limited := func(h http.HandlerFunc) http.Handler {
		return anonymousLimiter.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", limited(credentialHandler.Register))
	mux.Handle("POST /auth/login", limited(credentialHandler.Login))
	mux.HandleFunc("POST /auth/refresh", credentialHandler.Refresh)
	mux.Handle("POST /auth/revoke", credentials.Middleware(http.HandlerFunc(credentialHandler.Revoke)))
	mux.Handle("POST /auth/oauth/{provider}", limited(identityHandler.SignIn))
	mux.Handle("POST /auth/password-reset/request", limited(credentialHandler.RequestPasswordReset))
	mux.Handle("POST /auth/password-reset/confirm", limited(credentialHandler.ResetPassword))
	mux.Handle("POST /auth/verify-email/send", limited(credentialHandler.SendEmailVerification))
	mux.Handle("POST /auth/verify-email/confirm", limited(credentialHandler.VerifyEmail))
	mux.HandleFunc("GET /auth/verify", credentialHandler.Verify)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			stopStores()
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// EnvBoolOrDefault is used by the serverless entrypoint before Build runs.
func EnvBoolOrDefault(name string, fallback bool) bool {
	return envBoolOrDefault(name, fallback)
}
