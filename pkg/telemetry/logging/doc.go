// Package logging configures structured logging for Spendgate.
//
// Components log through log/slog; Setup builds the process handler and
// installs it with slog.SetDefault:
//
//	logger, err := logging.Setup(logging.Config{Level: "info", Format: "json"})
//
// The handler redacts values of sensitive keys (secrets, passwords, API
// keys, signatures) and appends request-scoped fields carried in the
// context, so handlers can call InfoContext and get request_id, tenant_id
// and actor for free:
//
//	ctx = logging.WithRequestID(ctx, "req-123")
//	slog.InfoContext(ctx, "override created")
package logging
