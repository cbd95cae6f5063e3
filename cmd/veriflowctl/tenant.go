package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/services"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newPlanCmd(get func() *backend) *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Manage tariff plans"}

	var p services.CreatePlanParams
	var quotas, prices []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a plan",
		Example: `  veriflowctl plan create --slug starter --name Starter \
    --quota ocr_monthly=5000 --quota liveness_monthly=5000 --price ocr=0.1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if p.Quotas, err = parseQuotas(quotas); err != nil {
				return err
			}
			if p.UnitPrices, err = parsePrices(prices); err != nil {
				return err
			}
			plan, err := get().tenants.CreatePlan(cmd.Context(), p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan Created Successfully!\n")
			fmt.Fprintf(out, "ID:         %s\n", plan.ID)
			fmt.Fprintf(out, "Slug:       %s\n", plan.Slug)
			fmt.Fprintf(out, "Rate:       %d/min, %d/day\n", plan.PerMinute, plan.PerDay)
			return nil
		},
	}
	create.Flags().StringVar(&p.Slug, "slug", "", "Unique plan slug")
	create.Flags().StringVar(&p.Name, "name", "", "Display name")
	create.Flags().IntVar(&p.PerMinute, "per-minute", 0, "Requests per minute (default 60)")
	create.Flags().IntVar(&p.PerDay, "per-day", 0, "Requests per day (default 50000)")
	create.Flags().StringArrayVar(&quotas, "quota", nil, "Monthly quota as <module>_monthly=<n>, repeatable")
	create.Flags().StringArrayVar(&prices, "price", nil, "Unit price as <module>=<decimal>, repeatable")
	_ = create.MarkFlagRequired("slug")

	cmd.AddCommand(create)
	return cmd
}

func newTenantCmd(get func() *backend) *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}

	var p services.CreateTenantParams
	var overrideQuotas []string
	var overridePerMinute, overridePerDay int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an active tenant on a plan",
		Example: `  veriflowctl tenant create --name Acme --plan starter \
    --override-per-minute 120 --override-quota ocr_monthly=20000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			quotas, err := parseQuotas(overrideQuotas)
			if err != nil {
				return err
			}
			o := &domain.LimitOverride{Quotas: make(map[string]*int64, len(quotas))}
			if cmd.Flags().Changed("override-per-minute") {
				o.PerMinute = &overridePerMinute
			}
			if cmd.Flags().Changed("override-per-day") {
				o.PerDay = &overridePerDay
			}
			for k, v := range quotas {
				v := v
				o.Quotas[k] = &v
			}
			if o.PerMinute != nil || o.PerDay != nil || len(o.Quotas) > 0 {
				p.Overrides = o
			}

			tenant, err := get().tenants.CreateTenant(cmd.Context(), p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tenant Created Successfully!\n")
			fmt.Fprintf(out, "ID:         %s\n", tenant.ID)
			fmt.Fprintf(out, "Name:       %s\n", tenant.Name)
			fmt.Fprintf(out, "Plan:       %s\n", orNone(p.PlanSlug))
			return nil
		},
	}
	create.Flags().StringVar(&p.Name, "name", "", "Tenant name")
	create.Flags().StringVar(&p.PlanSlug, "plan", "", "Plan slug (empty means unlimited)")
	create.Flags().StringVar(&p.WebhookURL, "webhook-url", "", "Default webhook URL")
	create.Flags().IntVar(&overridePerMinute, "override-per-minute", 0, "Per-minute limit replacing the plan's")
	create.Flags().IntVar(&overridePerDay, "override-per-day", 0, "Per-day limit replacing the plan's")
	create.Flags().StringArrayVar(&overrideQuotas, "override-quota", nil, "Monthly quota override as <module>_monthly=<n>, repeatable")
	_ = create.MarkFlagRequired("name")

	suspend := &cobra.Command{
		Use:   "suspend <tenant-id>",
		Short: "Reject every request from the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := get().tenants.Suspend(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s suspended\n", args[0])
			return nil
		},
	}
	resume := &cobra.Command{
		Use:   "resume <tenant-id>",
		Short: "Re-activate a suspended tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := get().tenants.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s resumed\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, suspend, resume, newLimitsCmd(get))
	return cmd
}

func newLimitsCmd(get func() *backend) *cobra.Command {
	cmd := &cobra.Command{Use: "limits", Short: "Inspect and change a tenant's limit overrides"}

	show := &cobra.Command{
		Use:   "show <tenant-id>",
		Short: "Print the effective limits of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := get().tenants.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printLimits(cmd.OutOrStdout(), tenant)
			return nil
		},
	}

	var u services.LimitsUpdate
	var perMinute, perDay int
	var quotas []string
	set := &cobra.Command{
		Use:   "set <tenant-id>",
		Short: "Override plan limits for one tenant",
		Example: `  veriflowctl tenant limits set 6f1c... --per-day 100000 --quota face_match_monthly=0
  veriflowctl tenant limits set 6f1c... --unset per_minute --unset ocr_monthly
  veriflowctl tenant limits set 6f1c... --reset`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if u.Quotas, err = parseQuotas(quotas); err != nil {
				return err
			}
			if cmd.Flags().Changed("per-minute") {
				u.PerMinute = &perMinute
			}
			if cmd.Flags().Changed("per-day") {
				u.PerDay = &perDay
			}
			tenant, err := get().tenants.UpdateLimits(cmd.Context(), args[0], u)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Limits Updated Successfully!\n")
			printLimits(cmd.OutOrStdout(), tenant)
			return nil
		},
	}
	set.Flags().IntVar(&perMinute, "per-minute", 0, "Per-minute limit override")
	set.Flags().IntVar(&perDay, "per-day", 0, "Per-day limit override")
	set.Flags().StringArrayVar(&quotas, "quota", nil, "Monthly quota override as <module>_monthly=<n>, repeatable")
	set.Flags().StringArrayVar(&u.Unset, "unset", nil, "Drop an override (per_minute, per_day or a quota key), repeatable")
	set.Flags().BoolVar(&u.Reset, "reset", false, "Drop every override before applying the other flags")

	cmd.AddCommand(show, set)
	return cmd
}

func printLimits(out io.Writer, tenant *domain.Tenant) {
	perMinute, perDay := tenant.RateLimits()
	fmt.Fprintf(out, "Tenant:     %s\n", tenant.ID)
	fmt.Fprintf(out, "Rate:       %d/min, %d/day\n", perMinute, perDay)
	for _, m := range domain.Modules() {
		limit, ok := tenant.MonthlyLimit(m)
		if !ok {
			fmt.Fprintf(out, "%-11s unlimited\n", m.QuotaKey()+":")
			continue
		}
		fmt.Fprintf(out, "%-11s %d\n", m.QuotaKey()+":", limit)
	}
}

func parseQuotas(pairs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("quota %q must be key=value", pair)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quota %q: %w", pair, err)
		}
		out[strings.TrimSpace(k)] = n
	}
	return out, nil
}

func parsePrices(pairs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("price %q must be module=decimal", pair)
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair, err)
		}
		out[strings.TrimSpace(k)] = d.Round(4)
	}
	return out, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
