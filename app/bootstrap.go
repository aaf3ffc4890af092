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

	"fittrack-auth/internal/audit"
	"fittrack-auth/internal/auth"
	"fittrack-auth/internal/bruteforce"
	"fittrack-auth/internal/db"
	"fittrack-auth/internal/idempotency"
	"fittrack-auth/internal/maintenance"
	"fittrack-auth/internal/observability"
	"fittrack-auth/internal/session"
	"fittrack-auth/internal/token"
	"fittrack-auth/internal/twofactor"
	"fittrack-auth/internal/user"
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
	privateKeyPEM, err := mustEnvPEM("JWT_PRIVATE_KEY")
	if err != nil {
		return nil, err
	}
	publicKeyPEM, err := mustEnvPEM("JWT_PUBLIC_KEY")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
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
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	tokens, err := token.NewService(
		privateKeyPEM,
		publicKeyPEM,
		envOrDefault("JWT_ISSUER", "fittrack-auth"),
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 336),
		envMinutesOrDefault("PENDING_2FA_TTL_MINUTES", 10),
	)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init token service: %w", err)
	}

	auditRecorder := audit.NewRecorder(database, logger)
	guard := bruteforce.NewGuard(bruteforce.NewStore(database))
	twoFactorService := twofactor.NewService(twofactor.NewStore(database), envOrDefault("TOTP_ISSUER", "FitTrack"))

	authService := auth.NewService(
		tokens,
		session.NewStore(database),
		user.NewStore(database),
		guard,
		twoFactorService,
		auditRecorder,
		logger,
	)
	authHandler := auth.NewHandler(
		authService,
		envOrDefault("REFRESH_COOKIE_NAME", "fittrack_refresh"),
		EnvBoolOrDefault("COOKIE_SECURE", true),
	)

	idempotencyStore := idempotency.NewStore(database, envMinutesOrDefault("IDEMPOTENCY_PENDING_TAKEOVER_MINUTES", 15))
	idempotent := idempotency.NewMiddleware(idempotencyStore, logger, auth.UserIDFromRequest)

	cleaner := maintenance.NewCleaner(
		database,
		envDaysOrDefault("AUTH_SESSION_RETENTION_DAYS", 14),
		envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		envHoursOrDefault("IDEMPOTENCY_RETENTION_HOURS", 24),
		envDaysOrDefault("AUDIT_RETENTION_DAYS", 90),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)
	cleanupHandler := maintenance.NewCleanupHandler(cleaner, logger, os.Getenv("CRON_SECRET"))

	loginLimiter := auth.NewLoginRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	requireAuth := func(h http.HandlerFunc) http.Handler {
		return auth.RequireAuth(tokens, h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", idempotent.Wrap(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/2fa/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Verify2FALogin)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/sessions", requireAuth(authHandler.ListSessions))
	mux.Handle("POST /auth/sessions/revoke", auth.RequireAuth(tokens, idempotent.Wrap(http.HandlerFunc(authHandler.RevokeSessions))))
	mux.Handle("POST /auth/2fa/setup", requireAuth(authHandler.SetupTwoFactor))
	mux.Handle("POST /auth/2fa/verify", requireAuth(authHandler.ConfirmTwoFactor))
	mux.Handle("POST /auth/2fa/disable", requireAuth(authHandler.DisableTwoFactor))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RequestIDMiddleware(
		observability.RecoverMiddleware(logger,
			observability.RequestLoggingMiddleware(logger, mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
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

// mustEnvPEM accepts the PEM inline or, with a _FILE suffix, as a path. Inline
// values may carry literal \n sequences from single-line env files.
func mustEnvPEM(name string) ([]byte, error) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return []byte(strings.ReplaceAll(value, `\n`, "\n")), nil
	}
	if path := strings.TrimSpace(os.Getenv(name + "_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s_FILE: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("missing required env: %s or %s_FILE", name, name)
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

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
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
