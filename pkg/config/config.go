// Package config reads server settings from the environment and an
// optional YAML runtime profile. Load never fails and always returns a
// usable development default; Validate reports everything that makes a
// configuration unfit to serve.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
)

// Environment keys read by Load. DATABASE_URL, REDIS_URL and LOG_LEVEL
// keep their conventional bare names; everything warden-specific is
// prefixed.
const (
	EnvAddr           = "WARDEN_ADDR"
	EnvTokenSecret    = "WARDEN_TOKEN_SECRET"
	EnvAdminHash      = "WARDEN_ADMIN_PASSWORD_HASH"
	EnvAuditKey       = "WARDEN_AUDIT_KEY"
	EnvAllowedOrigins = "WARDEN_ALLOWED_ORIGINS"
	EnvProfile        = "WARDEN_PROFILE"
	EnvRequireWSAuth  = "WARDEN_REQUIRE_WS_AUTH"
	EnvDatabaseURL    = "DATABASE_URL"
	EnvRedisURL       = "REDIS_URL"
	EnvLogLevel       = "LOG_LEVEL"
)

// MinSecretLen is the floor for signing material, in bytes.
const MinSecretLen = 32

// ErrInvalidConfig wraps every problem Validate finds.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds server configuration.
type Config struct {
	Addr              string
	LogLevel          string
	DatabaseURL       string // postgres URL, sqlite file path, or empty for in-memory
	RedisURL          string // optional shared rate-limit store
	TokenSecret       string // HS256 signing secret
	AdminPasswordHash string // hex SHA-256 of the admin password
	AuditKey          string // audit chain signing key
	AllowedOrigins    []string
	ProfilePath       string // optional runtime profile YAML
	RequireWSAuth     bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	addr := os.Getenv(EnvAddr)
	if addr == "" {
		addr = "127.0.0.1:8420"
	}

	logLevel := os.Getenv(EnvLogLevel)
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		Addr:              addr,
		LogLevel:          logLevel,
		DatabaseURL:       os.Getenv(EnvDatabaseURL),
		RedisURL:          os.Getenv(EnvRedisURL),
		TokenSecret:       os.Getenv(EnvTokenSecret),
		AdminPasswordHash: os.Getenv(EnvAdminHash),
		AuditKey:          os.Getenv(EnvAuditKey),
		AllowedOrigins:    splitList(os.Getenv(EnvAllowedOrigins)),
		ProfilePath:       os.Getenv(EnvProfile),
		RequireWSAuth:     os.Getenv(EnvRequireWSAuth) == "true",
	}
}

// Problems lists every issue that would prevent serving, one message per
// issue. An empty slice means the configuration is usable.
func (c *Config) Problems() []string {
	var out []string

	if n := len(c.TokenSecret); n < MinSecretLen {
		out = append(out, fmt.Sprintf("%s must be at least %d bytes, have %d", EnvTokenSecret, MinSecretLen, n))
	}
	if n := len(c.AuditKey); n < MinSecretLen {
		out = append(out, fmt.Sprintf("%s must be at least %d bytes, have %d", EnvAuditKey, MinSecretLen, n))
	}
	switch raw, err := hex.DecodeString(c.AdminPasswordHash); {
	case c.AdminPasswordHash == "":
		out = append(out, EnvAdminHash+" is not set")
	case err != nil || len(raw) != 32:
		out = append(out, EnvAdminHash+" must be a hex-encoded SHA-256 digest")
	}
	if !localBind(c.Addr) {
		out = append(out, fmt.Sprintf("%s %q is not a local or private address", EnvAddr, c.Addr))
	}

	return out
}

// Validate wraps Problems into a single error for startup paths.
func (c *Config) Validate() error {
	if ps := c.Problems(); len(ps) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(ps, "; "))
	}
	return nil
}

// StorageKind selects the storage driver behind the audit and auth
// stores.
type StorageKind string

const (
	StorageMemory   StorageKind = "memory"
	StorageSQLite   StorageKind = "sqlite"
	StoragePostgres StorageKind = "postgres"
)

// Storage classifies DatabaseURL: postgres URLs pick the pq driver, any
// other non-empty value is treated as a sqlite file path, and empty
// keeps everything in memory.
func (c *Config) Storage() StorageKind {
	switch {
	case c.DatabaseURL == "" || c.DatabaseURL == "memory":
		return StorageMemory
	case strings.HasPrefix(c.DatabaseURL, "postgres://"),
		strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return StoragePostgres
	default:
		return StorageSQLite
	}
}

// localBind reports whether addr names a loopback or RFC 1918 host. The
// gateway serves only the local network; wildcard hosts expose every
// interface and never pass.
func localBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
