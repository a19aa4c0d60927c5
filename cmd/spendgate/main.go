// Spendgate is a per-tenant spend admission-control service.
//
// It ingests signed spend events from the billing system, answers admission
// checks against each tenant's budget, sends threshold notifications, resets
// budget periods on schedule and manages temporary budget overrides.
//
// Usage:
//
//	# Start the server
//	spendgate run --config /etc/spendgate/config.yaml
//
//	# Validate configuration and a tenant seed file
//	spendgate validate --tenants tenants.yaml
//
//	# Apply tenant configuration
//	spendgate tenants apply tenants.yaml
//
//	# Grant a temporary override
//	spendgate override create --tenant acme --amount 100 --duration 24h --reason "launch week"
//
//	# Run one reset pass
//	spendgate tick
package main

func main() {
	Execute()
}
