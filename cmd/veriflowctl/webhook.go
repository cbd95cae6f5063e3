package main

import (
	"fmt"
	"strings"

	"github.com/poyrazK/veriflow/internal/core/services"
	"github.com/spf13/cobra"
)

func newWebhookCmd(get func() *backend) *cobra.Command {
	cmd := &cobra.Command{Use: "webhook", Short: "Manage webhook subscriptions"}

	var p services.CreateSubscriptionParams
	var timeout, maxRetries, backoff int
	create := &cobra.Command{
		Use:   "create",
		Short: "Subscribe an endpoint and print its signing secret once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("timeout") {
				p.TimeoutSeconds = &timeout
			}
			if cmd.Flags().Changed("max-retries") {
				p.MaxAttempts = &maxRetries
			}
			if cmd.Flags().Changed("backoff") {
				p.BackoffSeconds = &backoff
			}
			issued, err := get().subscriptions.Create(cmd.Context(), p)
			if err != nil {
				return err
			}
			sub := issued.Subscription
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Webhook Created Successfully!\n")
			fmt.Fprintf(out, "---------------------------\n")
			fmt.Fprintf(out, "ID:         %s\n", sub.ID)
			fmt.Fprintf(out, "URL:        %s\n", sub.URL)
			fmt.Fprintf(out, "Events:     %s\n", strings.Join(sub.Events, ","))
			fmt.Fprintf(out, "Policy:     timeout %ds, %d attempts, backoff %ds\n", sub.TimeoutSeconds, sub.MaxAttempts, sub.BackoffSeconds)
			fmt.Fprintf(out, "SECRET:     %s\n", issued.Secret)
			fmt.Fprintf(out, "---------------------------\n")
			fmt.Fprintf(out, "CAUTION: This is the only time the secret will be shown.\n")
			return nil
		},
	}
	create.Flags().StringVar(&p.TenantID, "tenant", "", "Tenant ID")
	create.Flags().StringVar(&p.URL, "url", "", "HTTP(S) endpoint")
	create.Flags().StringSliceVar(&p.Events, "events", nil, "Comma separated event names")
	create.Flags().IntVar(&timeout, "timeout", 0, "Per-attempt timeout in seconds (default 10)")
	create.Flags().IntVar(&maxRetries, "max-retries", 0, "Attempt ceiling counting the first delivery, 1 disables retries (default 5)")
	create.Flags().IntVar(&backoff, "backoff", 0, "Base backoff in seconds (default 5)")
	_ = create.MarkFlagRequired("tenant")
	_ = create.MarkFlagRequired("url")
	_ = create.MarkFlagRequired("events")

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := get().subscriptions.List(cmd.Context(), listTenant)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-36s %-8s %-40s %s\n", "ID", "Status", "URL", "Events")
			for _, s := range subs {
				status := "active"
				if !s.Active {
					status = "inactive"
				}
				fmt.Fprintf(out, "%-36s %-8s %-40s %s\n", s.ID, status, s.URL, strings.Join(s.Events, ","))
			}
			return nil
		},
	}
	list.Flags().StringVar(&listTenant, "tenant", "", "Tenant ID")
	_ = list.MarkFlagRequired("tenant")

	var limit int
	deliveries := &cobra.Command{
		Use:   "deliveries <subscription-id>",
		Short: "Show the delivery journal, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := get().subscriptions.Deliveries(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-16s %-7s %-6s %-8s %s\n", "Time", "Event", "Attempt", "Status", "Duration", "Error")
			for _, d := range entries {
				status := "-"
				if d.StatusCode != nil {
					status = fmt.Sprint(*d.StatusCode)
				}
				fmt.Fprintf(out, "%-20s %-16s %-7d %-6s %-8s %s\n",
					d.CreatedAt.Format("2006-01-02T15:04:05"), d.Event, d.Attempt, status, fmt.Sprintf("%dms", d.DurationMS), d.Error)
			}
			return nil
		},
	}
	deliveries.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")

	ping := &cobra.Command{
		Use:   "ping <subscription-id>",
		Short: "Deliver test.ping synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := get().subscriptions.Ping(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if d.OK {
				fmt.Fprintf(out, "Ping delivered: HTTP %d in %dms\n", *d.StatusCode, d.DurationMS)
				return nil
			}
			fmt.Fprintf(out, "Ping failed: %s\n", d.Error)
			return fmt.Errorf("ping to %s failed", d.URL)
		},
	}

	cmd.AddCommand(create, list, deliveries, ping)
	return cmd
}
