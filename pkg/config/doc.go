// Package config loads and validates authsync configuration using Viper.
//
// # Overview
//
// Values come from, in increasing precedence: built-in defaults, the file
// named by AUTHSYNC_CONFIG, a .env file in the working directory, and
// AUTHSYNC_* environment variables. A key such as sso.token_ttl maps to
// AUTHSYNC_SSO_TOKEN_TTL.
//
// # Configuration Structure
//
// Server settings:
//
//	AUTHSYNC_SERVER_PORT="8080"
//	AUTHSYNC_SERVER_HEALTH_PORT="9090"
//
// Identity provider (required unless provider is "memory"):
//
//	AUTHSYNC_IDENTITY_ISSUER_URL="https://auth.reelapps.example"
//	AUTHSYNC_IDENTITY_CLIENT_ID="reelapps-web"
//	AUTHSYNC_IDENTITY_API_KEY="..."
//
// Shared store and broadcast:
//
//	AUTHSYNC_STORE_BACKEND="redis"  # memory, file, redis, postgres, sqlite
//	AUTHSYNC_STORE_REDIS_URL="redis://localhost:6379/0"
//	AUTHSYNC_BROADCAST_BACKEND="redis"  # memory, redis, websocket
//
// SSO:
//
//	AUTHSYNC_SSO_DOMAIN="reelapps.io"
//	AUTHSYNC_SSO_HOLDER="true"
//	AUTHSYNC_SSO_SIGNING_KEY="at-least-32-bytes..."
//	AUTHSYNC_SSO_POLICY_FILE="/etc/authsync/entitlements.yaml"
//
// Refresh and activity:
//
//	AUTHSYNC_REFRESH_INTERVAL="50m"
//	AUTHSYNC_ACTIVITY_ENABLED="true"
//	AUTHSYNC_DATABASE_URL="postgres://localhost/reelapps"
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	kv, err := storage.Open(ctx, cfg.StorageConfig())
//
// A missing identity configuration fails Load with an error matching
// session.ErrIdentityProviderUnavailable.
//
// # Related Packages
//
//   - pkg/storage: Uses store configuration
//   - pkg/sso: Uses sso configuration
//   - pkg/observability: Uses observability configuration
package config
