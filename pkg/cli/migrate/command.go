// Package migrate provides the "migrate" command tree on top of
// pkg/migrate.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ordefy/ordefy/pkg/migrate"
	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// DefaultTimeout bounds one migrate invocation.
const DefaultTimeout = 5 * time.Minute

// Opener opens the database for a command run. release is called when the
// command is done.
type Opener func(cmd *cobra.Command) (db *sql.DB, log logger.Logger, release func(), err error)

// Options configures the command tree.
type Options struct {
	Open Opener
	// Files and Dir locate the migrations built into the binary. The
	// --migrations-path flag replaces them with a directory on disk.
	Files   fs.FS
	Dir     string
	Timeout time.Duration
}

// NewCommand returns "migrate" with up, down and status subcommands.
func NewCommand(opts Options) *cobra.Command {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	var path string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	cmd.PersistentFlags().StringVar(&path, "migrations-path", "", "read migrations from this directory instead of the embedded set")

	run := func(fn func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, log, release, err := opts.Open(cmd)
			if err != nil {
				return err
			}
			defer release()

			files, dir := opts.Files, opts.Dir
			if strings.TrimSpace(path) != "" {
				files, dir = os.DirFS(path), "."
			}
			manager, err := migrate.NewManager(db, files, dir, log)
			if err != nil {
				return fmt.Errorf("load migrations: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			return fn(ctx, cmd, manager)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		}),
	})

	downCmd := &cobra.Command{
		Use:   "down [steps]",
		Short: "Revert the newest migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
	}
	downCmd.RunE = func(cmd *cobra.Command, args []string) error {
		steps, err := ParseSteps(args)
		if err != nil {
			return err
		}
		return run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
			reverted, err := m.Down(ctx, steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", reverted)
			return nil
		})(cmd, args)
	}
	cmd.AddCommand(downCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
			status, err := m.Status(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}),
	})
	return cmd
}

// ParseSteps reads the optional step count of "migrate down".
func ParseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	steps, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("invalid steps %q: must be a positive integer", args[0])
	}
	return steps, nil
}
