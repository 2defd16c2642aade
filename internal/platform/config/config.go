package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rxd90/CommandBridge/internal/platform/auth"
	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/server"
)

// DefaultJWTSecret is only acceptable outside strict production mode.
const DefaultJWTSecret = "dev-insecure-change-me"

type Config struct {
	Version  string
	HTTPAddr string
	GRPCAddr string
	LogLevel slog.Level

	DatabaseURL string
	UsersFile   string
	CatalogFile string

	JWTSecret     string
	JWTKeysetSpec string
	JWTKeysetFile string
	JWTActiveKID  string

	TicketPattern   string
	ExecutorTimeout time.Duration

	TrustedCIDRs      []string
	TrustForwardedFor bool
	TLS               server.TLSConfig

	AWSRegion       string
	AWSEndpoint     string
	AWSStaticKeyID  string
	AWSStaticSecret string
	CognitoPoolID   string
	ExportBucket    string

	StrictProduction bool
}

// Load reads the process environment. Files in envFiles are loaded first and
// never override variables already set; a missing file is not an error.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	level, err := parseLevel(envOr("CB_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	timeout, err := time.ParseDuration(envOr("CB_EXECUTOR_TIMEOUT", executor.DefaultTimeout.String()))
	if err != nil || timeout <= 0 {
		return Config{}, fmt.Errorf("CB_EXECUTOR_TIMEOUT must be a positive duration")
	}
	cfg := Config{
		Version:  envOr("CB_VERSION", "dev"),
		HTTPAddr: envOr("CB_HTTP_ADDR", ":8080"),
		GRPCAddr: envOr("CB_GRPC_ADDR", ":8081"),
		LogLevel: level,

		DatabaseURL: envOr("CB_DATABASE_URL", ""),
		UsersFile:   envOr("CB_USERS_FILE", ""),
		CatalogFile: envOr("CB_CATALOG_FILE", ""),

		JWTSecret:     envOr("CB_JWT_SECRET", DefaultJWTSecret),
		JWTKeysetSpec: envOr("CB_JWT_KEYSET", ""),
		JWTKeysetFile: envOr("CB_JWT_KEYSET_FILE", ""),
		JWTActiveKID:  envOr("CB_JWT_ACTIVE_KID", ""),

		TicketPattern:   envOr("CB_TICKET_PATTERN", ""),
		ExecutorTimeout: timeout,

		TrustedCIDRs:      splitList(envOr("CB_TRUSTED_CIDRS", "127.0.0.1/32,::1/128")),
		TrustForwardedFor: envBool("CB_TRUST_FORWARDED_FOR"),
		TLS: server.TLSConfig{
			Enabled:           envBool("CB_TLS_ENABLED"),
			CertFile:          envOr("CB_TLS_CERT_FILE", ""),
			KeyFile:           envOr("CB_TLS_KEY_FILE", ""),
			ClientCAFile:      envOr("CB_TLS_CLIENT_CA_FILE", ""),
			RequireClientCert: envBool("CB_TLS_REQUIRE_CLIENT_CERT"),
		},

		AWSRegion:       envOr("CB_AWS_REGION", "eu-west-2"),
		AWSEndpoint:     envOr("CB_AWS_ENDPOINT", ""),
		AWSStaticKeyID:  envOr("CB_AWS_STATIC_KEY_ID", ""),
		AWSStaticSecret: envOr("CB_AWS_STATIC_SECRET", ""),
		CognitoPoolID:   envOr("CB_COGNITO_USER_POOL_ID", ""),
		ExportBucket:    envOr("CB_AUDIT_EXPORT_BUCKET", ""),

		StrictProduction: envBool("CB_STRICT_PRODUCTION"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if (c.AWSStaticKeyID == "") != (c.AWSStaticSecret == "") {
		return fmt.Errorf("CB_AWS_STATIC_KEY_ID and CB_AWS_STATIC_SECRET must be set together")
	}
	return ValidateProductionRuntime(c.StrictProduction, c.DatabaseURL, c.TLS.Enabled, c.JWTSecret, c.JWTKeysetSpec+c.JWTKeysetFile)
}

// JWTKeyset resolves the signing keys. A keyset file wins over CB_JWT_KEYSET
// and CB_JWT_SECRET.
func (c Config) JWTKeyset() (auth.HMACKeyset, error) {
	if c.JWTKeysetFile != "" {
		return auth.LoadHMACKeysetFile(c.JWTKeysetFile)
	}
	return auth.ParseHMACKeyset(c.JWTSecret, c.JWTKeysetSpec, c.JWTActiveKID)
}

// ValidateProductionRuntime enforces the strict production requirements: a
// database, TLS, and either a keyset or a non-default JWT secret.
func ValidateProductionRuntime(strict bool, databaseURL string, tlsEnabled bool, jwtSecret, jwtKeyset string) error {
	if !strict {
		return nil
	}
	if strings.TrimSpace(databaseURL) == "" {
		return fmt.Errorf("strict production mode requires CB_DATABASE_URL")
	}
	if !tlsEnabled {
		return fmt.Errorf("strict production mode requires CB_TLS_ENABLED=true")
	}
	if strings.TrimSpace(jwtKeyset) == "" && (jwtSecret == "" || jwtSecret == DefaultJWTSecret) {
		return fmt.Errorf("strict production mode requires CB_JWT_SECRET or a jwt keyset")
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(envOr(key, "false"))
	return err == nil && b
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(v string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("CB_LOG_LEVEL: %w", err)
	}
	return l, nil
}
