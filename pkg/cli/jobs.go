package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ordefy/ordefy/internal/app"
	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/config"
)

func (r *runner) jobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and operate the webhook queue",
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})

	admin := func(fn func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := fn(ctx, cmd, a, args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: admin(func(ctx context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
			return a.AdminService().Stats(ctx)
		}),
	})

	var filter queue.ListFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: admin(func(ctx context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
			filter.Status = queue.Status(strings.ToLower(strings.TrimSpace(status)))
			return a.AdminService().Jobs(ctx, filter)
		}),
	}
	list.Flags().StringVar(&status, "status", "", "pending, processing, completed or failed")
	list.Flags().StringVar(&filter.Topic, "topic", "", "webhook topic")
	list.Flags().StringVar(&filter.TenantID, "tenant", "", "tenant id")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: admin(func(ctx context.Context, _ *cobra.Command, a *app.App, args []string) (any, error) {
			return a.AdminService().Retry(ctx, args[0])
		}),
	})

	var staleLimit int
	stale := &cobra.Command{
		Use:   "stale",
		Short: "List jobs stuck in processing",
		Args:  cobra.NoArgs,
		RunE: admin(func(ctx context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
			return a.AdminService().Stale(ctx, staleLimit)
		}),
	}
	stale.Flags().IntVar(&staleLimit, "limit", 50, "maximum rows")
	cmd.AddCommand(stale)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue-stale",
		Short: "Move every stale job back to pending",
		Args:  cobra.NoArgs,
		RunE: admin(func(ctx context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
			jobs, err := a.AdminService().RequeueStale(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"requeued": len(jobs), "jobs": jobs}, nil
		}),
	})
	return cmd
}

func (r *runner) adminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin API helpers",
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})

	var subject string
	var ttl time.Duration
	var scopes []string
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the queue admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := r.load()
			if err != nil {
				return err
			}
			signed, err := issueAdminToken(cfg.Admin, subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "operator", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	token.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeQueueAdmin}, "granted scopes")
	cmd.AddCommand(token)
	return cmd
}

func issueAdminToken(cfg config.AdminConfig, subject string, scopes []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", fmt.Errorf("admin.jwt_secret is not set")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	validator, err := auth.NewHMACValidator(cfg.JWTSecret, cfg.Issuer, cfg.Audience)
	if err != nil {
		return "", err
	}
	return validator.Issue(subject, scopes, ttl)
}
