// Package config provides configuration management for Spendgate.
//
// Configuration is read from a YAML file, overlaid with environment
// variables, completed with defaults and validated as a whole.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("config.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//
// ${VAR} references inside the file are expanded before parsing, which is
// the usual way to keep secrets out of the file:
//
//	webhook:
//	  secret: "${BILLING_WEBHOOK_SECRET}"
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention SPENDGATE_SECTION_FIELD:
//
//   - SPENDGATE_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - SPENDGATE_WEBHOOK_SECRET overrides webhook.secret
//   - SPENDGATE_STORAGE_BACKEND overrides storage.backend
//   - SPENDGATE_REDIS_ADDRESSES overrides redis.addresses (comma-separated)
//
// # Configuration Precedence
//
//  1. Values from the YAML file
//  2. Environment variable overrides
//  3. Default values for anything still unset (defaults.go)
//  4. Validation (fails fast if invalid)
//
// # Validation
//
// Every problem is collected before failing:
//
//	configuration validation failed with 2 errors:
//	  - webhook.secret: webhook secret is required (set SPENDGATE_WEBHOOK_SECRET)
//	  - engine.hot_path_timeout: hot path timeout 500ms must be between 50ms and 200ms
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//
//	webhook:
//	  secret: "${BILLING_WEBHOOK_SECRET}"
//
//	storage:
//	  backend: "postgres"
//	  postgres:
//	    host: "db.internal"
//	    database: "spendgate"
//	    user: "spendgate"
//	    password: "${PGPASSWORD}"
//
//	redis:
//	  addresses: ["redis.internal:6379"]
//
//	notifications:
//	  webhook:
//	    url: "https://hooks.slack.com/services/..."
//
//	auth:
//	  keys:
//	    - key: "${ADMIN_API_KEY}"
//	      actor: "ops@example.com"
//	      roles: ["admin"]
//
//	tenants:
//	  file: "tenants.yaml"
//	  watch: true
//
// # Reloading
//
// Set publishes the loaded configuration process-wide and Current returns
// it. Reload re-reads the file on SIGHUP and swaps it in only when it
// validates. Only the logging level is applied live; other settings take
// effect on restart.
package config
