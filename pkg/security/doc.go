/*
Package security groups the transport and credential handling of Spendgate.

  - auth: API key authentication and the admin capability check for the
    administrative endpoints.
  - tls: HTTPS serving with certificate hot reload.
  - secrets: ${secret:name} references in configuration, resolved from
    mounted secret files or environment variables.

# API Key Authentication

	validator := auth.NewAPIKeyValidator(keys)
	mw := auth.NewAPIKeyMiddleware(validator, auth.DefaultSources(), nil)
	mux.Handle("/v1/overrides", mw.Handle(handler))

# Secret References

	resolver := secrets.NewResolver(fileProvider, secrets.NewEnvProvider("SPENDGATE_SECRET_"))
	err := resolver.ResolveAll(ctx, &cfg.Webhook.Secret, &cfg.Storage.Postgres.Password)
*/
package security
