// ABOUTME: Offline key management and audit commands for the toolgate CLI
// ABOUTME: Opens the database directly; no running server is needed

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/permission"
	"github.com/2389/toolgate/internal/server"
	"github.com/2389/toolgate/internal/store"
)

// cliActor is recorded in the audit log for CLI changes.
const cliActor = "cli"

// openKeyring opens the store and keyring for offline key commands.
func openKeyring(configFlag string) (*auth.Keyring, store.Store, error) {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return nil, nil, err
	}
	s, err := server.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	kr, err := server.NewKeyring(cfg, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return kr, s, nil
}

func newGenerateKeyCmd(configPath *string) *cobra.Command {
	var owner string
	var perms []string

	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Create an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, s, err := openKeyring(*configPath)
			if err != nil {
				return err
			}
			defer s.Close()
			return runGenerateKey(cmd.Context(), cmd.OutOrStdout(), kr, owner, perms)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner of the key (required)")
	cmd.Flags().StringSliceVar(&perms, "permissions", nil, "comma-separated permissions (default: the configured grant)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func runGenerateKey(ctx context.Context, out io.Writer, kr *auth.Keyring, owner string, perms []string) error {
	req := auth.IssueRequest{OwnerID: owner, Actor: cliActor}
	if len(perms) > 0 {
		set, err := permission.ParseSet(perms)
		if err != nil {
			return err
		}
		req.Permissions = &set
	}

	issued, err := kr.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("issuing key: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Fprintln(out, "  ✓ API key created")
	fmt.Fprintf(out, "  Key:         %s\n", issued.Key)
	fmt.Fprintf(out, "  ID:          %s\n", issued.Record.ID)
	fmt.Fprintf(out, "  Owner:       %s\n", issued.Record.OwnerID)
	fmt.Fprintf(out, "  Permissions: %s\n", strings.Join(issued.Record.Permissions.Names(), ", "))
	yellow.Fprintln(out, "  Store this key now; it cannot be shown again.")
	return nil
}

func newRevokeKeyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Revoke an API key by its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, s, err := openKeyring(*configPath)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := kr.Revoke(cmd.Context(), args[0], cliActor); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Revoked %s\n", args[0])
			return nil
		},
	}
}

func newKeysCmd(configPath *string) *cobra.Command {
	var owner string
	var all bool

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, s, err := openKeyring(*configPath)
			if err != nil {
				return err
			}
			defer s.Close()

			f := store.KeyFilter{IncludeRevoked: all}
			if owner != "" {
				f.OwnerID = &owner
			}
			keys, err := kr.List(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("listing keys: %w", err)
			}
			return printKeys(cmd.OutOrStdout(), keys)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only keys of this owner")
	cmd.Flags().BoolVar(&all, "all", false, "include revoked keys")
	return cmd
}

func printKeys(out io.Writer, keys []*store.APIKey) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tPERMISSIONS\tCREATED\tSTATUS")
	for _, k := range keys {
		status := "active"
		if k.Revoked() {
			status = "revoked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.OwnerID, strings.Join(k.Permissions.Names(), ","),
			k.CreatedAt.Format(time.DateTime), status)
	}
	return tw.Flush()
}

func newAdminTokenCmd(configPath *string) *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an admin JWT for /generate-api-key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.AdminJWTSecret == "" {
				return fmt.Errorf("auth.admin_jwt_secret is not set; key issuance is open")
			}
			v, err := auth.NewJWTVerifier([]byte(cfg.Auth.AdminJWTSecret))
			if err != nil {
				return err
			}
			token, err := v.Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject, recorded as the audit actor")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newAuditCmd(configPath *string) *cobra.Command {
	var actor, action, outcome string
	var since time.Duration
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.AuditFilter{Limit: limit}
			if actor != "" {
				f.ActorID = &actor
			}
			if action != "" {
				a, err := store.ParseAuditAction(action)
				if err != nil {
					return err
				}
				f.Action = &a
			}
			if outcome != "" {
				o := store.AuditOutcome(outcome)
				if o != store.OutcomeOK && o != store.OutcomeError {
					return fmt.Errorf("unknown outcome %q (want ok or error)", outcome)
				}
				f.Outcome = &o
			}
			if since > 0 {
				t := time.Now().Add(-since)
				f.Since = &t
			}

			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			s, err := server.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return runAudit(cmd.Context(), cmd.OutOrStdout(), s, f)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor (key ID, admin subject, or cli)")
	cmd.Flags().StringVar(&action, "action", "", "only this action: create_key, revoke_key, or invoke_tool")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only this outcome: ok or error")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show (at most 1000)")
	return cmd
}

func runAudit(ctx context.Context, out io.Writer, s store.AuditStore, f store.AuditFilter) error {
	entries, err := s.ListAuditLog(ctx, f)
	if err != nil {
		return fmt.Errorf("listing audit log: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tTARGET\tOUTCOME\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.ActorID, e.Action,
			e.TargetType+":"+e.TargetID, e.Outcome, formatDetail(e.Detail))
	}
	return tw.Flush()
}

// formatDetail renders detail as sorted key=value pairs.
func formatDetail(detail map[string]any) string {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, detail[k])
	}
	return strings.Join(parts, " ")
}

func newToolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the configured tool catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), cfg)
		},
	}
}

func printTools(out io.Writer, cfg *config.Config) error {
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tPERMISSION\tDESCRIPTION")
	for _, d := range catalog.List() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Required, d.Description)
	}
	return tw.Flush()
}
