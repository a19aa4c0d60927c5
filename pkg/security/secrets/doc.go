/*
Package secrets resolves ${secret:name} references in configuration values.

Sensitive settings such as the webhook HMAC secret or database passwords can
name a secret instead of holding it:

	webhook:
	  secret: ${secret:webhook-hmac}

A Resolver looks each name up in its providers in order and returns the
first value found:

  - FileProvider reads <dir>/<name>, the layout used by Kubernetes and
    Docker secret mounts. Files must not be group or world readable.
  - EnvProvider reads <PREFIX><NAME>, with the name upper-cased and hyphens
    turned into underscores ("webhook-hmac" becomes SPENDGATE_SECRET_WEBHOOK_HMAC).

Secret values are never logged. Names are logged in redacted form.
*/
package secrets
