package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ordefy/ordefy/internal/app"
)

const healthcheckTimeout = 10 * time.Second

func (r *runner) serveCommand() *cobra.Command {
	var withWorker, withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and admin HTTP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.Serve(ctx) })
				if withWorker {
					g.Go(func() error { return a.RunWorker(ctx) })
				}
				if withScheduler {
					g.Go(func() error { return a.RunScheduler(ctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also drain the queue in this process")
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "also run the maintenance tasks in this process")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

func (r *runner) workerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunWorker(ctx)
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

func (r *runner) schedulerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the queue maintenance tasks on their schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunScheduler(ctx)
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})

	runNow := &cobra.Command{
		Use:       "run-now <task>",
		Short:     "Run one maintenance task immediately, under its lock",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{app.TaskCleanup, app.TaskStaleScan, app.TaskDepth},
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				lock, err := a.LockProvider()
				if err != nil {
					return err
				}
				defer func() {
					if err := lock.Close(); err != nil {
						a.Logger().Error("failed to close scheduler lock provider", "error", err)
					}
				}()
				rt, err := a.NewScheduler(lock)
				if err != nil {
					return err
				}
				ran, err := rt.RunNow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"task": args[0], "ran": ran})
			})
		},
	}
	SetCommandPolicies(runNow, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	cmd.AddCommand(runNow)
	return cmd
}

func (r *runner) cleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed jobs past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				deleted, err := a.AdminService().Cleanup(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": deleted})
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	return cmd
}

func (r *runner) healthcheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check dependencies and exit non-zero when not ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
				defer cancel()
				result := a.HealthRegistry().Check(ctx)
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.IsReady() {
					return fmt.Errorf("service not ready: %s", result.Status)
				}
				return nil
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
