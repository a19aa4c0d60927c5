package main

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/tenants"
	"mercator-hq/spendgate/pkg/cli"
)

var tenantsFlags struct {
	actor string
	limit int
}

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenant budget configuration",
	Long: `Apply, inspect and audit tenant budget configuration directly against the
configured storage.`,
}

var tenantsApplyCmd = &cobra.Command{
	Use:   "apply FILE",
	Short: "Apply a tenant seed file",
	Long: `Create or update every tenant listed in a seed file. The whole file is
validated before anything is written.

Examples:
  spendgate tenants apply tenants.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runTenantsApply,
}

var tenantsGetCmd = &cobra.Command{
	Use:   "get TENANT_ID",
	Short: "Show a tenant's configuration and spend",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantsGet,
}

var tenantsAuditCmd = &cobra.Command{
	Use:   "audit TENANT_ID",
	Short: "Show a tenant's audit trail, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantsAudit,
}

func init() {
	rootCmd.AddCommand(tenantsCmd)
	tenantsCmd.AddCommand(tenantsApplyCmd, tenantsGetCmd, tenantsAuditCmd)

	tenantsApplyCmd.Flags().StringVar(&tenantsFlags.actor, "actor", defaultActor(), "actor recorded in the audit trail")
	tenantsAuditCmd.Flags().IntVar(&tenantsFlags.limit, "limit", 50, "maximum number of entries")
}

type applyReport struct {
	File      string `json:"file"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Failed    int    `json:"failed"`
}

func (r applyReport) Headers() []string {
	return []string{"FILE", "CREATED", "UPDATED", "UNCHANGED", "FAILED"}
}

func (r applyReport) Rows() [][]string {
	return [][]string{{
		r.File,
		strconv.Itoa(r.Created),
		strconv.Itoa(r.Updated),
		strconv.Itoa(r.Unchanged),
		strconv.Itoa(r.Failed),
	}}
}

// tenantReport is a tenant's configuration with its current spend.
type tenantReport struct {
	*tenants.View
}

func (r tenantReport) Headers() []string {
	return []string{"TENANT", "SPEND", "BUDGET", "ALERT %", "GRACE %", "DURATION", "RESET AT"}
}

func (r tenantReport) Rows() [][]string {
	c := r.Config
	spend := 0.0
	if r.State != nil {
		spend = r.State.CurrentSpend
	}
	budgetCol, duration, resetAt := "unlimited", "-", "-"
	if !c.Unlimited() {
		budgetCol = strconv.FormatFloat(c.MaxBudget, 'f', 2, 64)
	}
	if c.BudgetDuration > 0 {
		duration = c.BudgetDuration.String()
		resetAt = c.ResetAt.UTC().Format(time.RFC3339)
	}
	return [][]string{{
		c.TenantID,
		strconv.FormatFloat(spend, 'f', 2, 64),
		budgetCol,
		strconv.FormatFloat(c.AlertThresholdPct, 'f', -1, 64),
		strconv.FormatFloat(c.GraceThresholdPct, 'f', -1, 64),
		duration,
		resetAt,
	}}
}

type auditTable struct {
	Entries []*budget.AuditEntry `json:"entries"`
}

func (t auditTable) Headers() []string {
	return []string{"TIME", "OPERATION", "ACTOR", "DETAILS"}
}

func (t auditTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.Entries))
	for _, e := range t.Entries {
		rows = append(rows, []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Operation,
			e.Actor,
			formatDetails(e.Details),
		})
	}
	return rows
}

// formatDetails renders details as sorted key=value pairs.
func formatDetails(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+details[k])
	}
	return strings.Join(parts, " ")
}

func runTenantsApply(cmd *cobra.Command, args []string) error {
	cfgs, err := tenants.LoadFile(args[0])
	if err != nil {
		return cli.NewConfigError("tenants", err.Error())
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{trusted: true})
	if err != nil {
		return cli.NewCommandError("tenants apply", err)
	}
	defer a.Close()

	res, err := a.tenants.Apply(ctx, cfgs, tenantsFlags.actor)
	if res == nil {
		return cli.NewCommandError("tenants apply", err)
	}
	report := applyReport{
		File:      args[0],
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
		Failed:    res.Failed,
	}
	if ferr := formatter().FormatTo(cmd.OutOrStdout(), report); ferr != nil {
		return ferr
	}
	if err != nil {
		return cli.NewCommandError("tenants apply", err)
	}
	return nil
}

func runTenantsGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{trusted: true})
	if err != nil {
		return cli.NewCommandError("tenants get", err)
	}
	defer a.Close()

	view, err := a.tenants.Get(ctx, args[0])
	if err != nil {
		return cli.NewCommandError("tenants get", err)
	}
	if cli.OutputFormat(output) == cli.FormatJSON {
		return formatter().FormatTo(cmd.OutOrStdout(), view)
	}
	return formatter().FormatTo(cmd.OutOrStdout(), tenantReport{View: view})
}

func runTenantsAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{trusted: true})
	if err != nil {
		return cli.NewCommandError("tenants audit", err)
	}
	defer a.Close()

	entries, err := a.recorder.Query(ctx, args[0], tenantsFlags.limit)
	if err != nil {
		return cli.NewCommandError("tenants audit", err)
	}
	return formatter().FormatTo(cmd.OutOrStdout(), auditTable{Entries: entries})
}
