package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/poyrazK/veriflow/internal/core/services"
	"github.com/spf13/cobra"
)

func newCredentialCmd(get func() *backend) *cobra.Command {
	cmd := &cobra.Command{Use: "credential", Short: "Manage request-signing credentials"}

	var p services.CreateCredentialParams
	var days int
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a credential and print its secret once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days > 0 {
				expires := time.Now().UTC().AddDate(0, 0, days)
				p.ExpiresAt = &expires
			}
			issued, err := get().credentials.Create(cmd.Context(), p)
			if err != nil {
				return err
			}
			printIssuedCredential(cmd.OutOrStdout(), "Credential Created Successfully!", issued)
			return nil
		},
	}
	create.Flags().StringVar(&p.TenantID, "tenant", "", "Tenant ID")
	create.Flags().StringVar(&p.Name, "name", "", "Description of the credential")
	create.Flags().StringSliceVar(&p.AllowedIPs, "allow-ip", nil, "Allowed caller address or CIDR, repeatable (default any)")
	create.Flags().IntVar(&days, "days", 0, "Validity in days (default never expires)")
	_ = create.MarkFlagRequired("tenant")

	rotate := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Replace the secret of a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issued, err := get().credentials.Rotate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printIssuedCredential(cmd.OutOrStdout(), "Credential Rotated Successfully!", issued)
			return nil
		},
	}

	suspend := &cobra.Command{
		Use:   "suspend <key-id>",
		Short: "Deactivate a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := get().credentials.Suspend(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential %s suspended\n", args[0])
			return nil
		},
	}

	resume := &cobra.Command{
		Use:   "resume <key-id>",
		Short: "Re-activate a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := get().credentials.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential %s resumed\n", args[0])
			return nil
		},
	}

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := get().credentials.List(cmd.Context(), listTenant)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Credentials for Tenant: %s\n", listTenant)
			fmt.Fprintf(out, "%-32s %-15s %-8s %-20s %s\n", "Key ID", "Name", "Status", "Expires", "Allowed IPs")
			for _, c := range creds {
				status := "active"
				if !c.Active {
					status = "suspended"
				}
				expires := "never"
				if c.ExpiresAt != nil {
					expires = c.ExpiresAt.Format(time.RFC3339)
				}
				ips := "any"
				if len(c.AllowedIPs) > 0 {
					ips = strings.Join(c.AllowedIPs, ",")
				}
				fmt.Fprintf(out, "%-32s %-15s %-8s %-20s %s\n", c.KeyID, c.Name, status, expires, ips)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listTenant, "tenant", "", "Tenant ID")
	_ = list.MarkFlagRequired("tenant")

	cmd.AddCommand(create, rotate, suspend, resume, list)
	return cmd
}

func printIssuedCredential(out io.Writer, title string, issued *services.IssuedCredential) {
	c := issued.Credential
	fmt.Fprintf(out, "%s\n", title)
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "Tenant:     %s\n", c.TenantID)
	fmt.Fprintf(out, "Key ID:     %s\n", c.KeyID)
	if c.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires:    %s\n", c.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "SECRET:     %s\n", issued.Secret)
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "CAUTION: This is the only time the secret will be shown.\n")
}
