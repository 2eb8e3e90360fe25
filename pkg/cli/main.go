// Package cli builds the ordefy command tree: the long-running roles
// (serve, worker, scheduler), one-shot operator commands and config tooling.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ordefy/ordefy/internal/app"
	"github.com/ordefy/ordefy/migrations"
	climigrate "github.com/ordefy/ordefy/pkg/cli/migrate"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/store/postgres"
	"github.com/ordefy/ordefy/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling when a command is meant to run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyOnce      CommandPolicy = "once"
	PolicyMigration CommandPolicy = "migration"
	PolicyRun       CommandPolicy = "run"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
)

// ConnectFunc assembles the app for a command run.
type ConnectFunc func(ctx context.Context, cfg *config.Config, log logger.Logger) (*app.App, error)

// Options configures the command tree.
type Options struct {
	Name        string
	Description string
	EnvPrefix   string
	// Connect defaults to app.New. Tests swap in an app with fake backends.
	Connect ConnectFunc
}

type runner struct {
	opts                Options
	cfgPath             string
	serviceNameOverride string
}

// NewRootCommand creates the CLI.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "ordefy"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "ORDEFY"
	}
	if opts.Connect == nil {
		opts.Connect = app.New
	}
	r := &runner{opts: opts}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.PersistentFlags().StringVarP(&r.cfgPath, "config-file", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&r.serviceNameOverride, "service-name", "", "service name override")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
		},
	}
	SetCommandPolicies(versionCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(versionCmd)

	serveCmd := r.serveCommand()
	rootCmd.AddCommand(serveCmd, r.workerCommand(), r.schedulerCommand(), r.cleanupCommand(), r.healthcheckCommand())
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(r.jobsCommand(), r.adminCommand(), r.configCommand())

	migrateCmd := climigrate.NewCommand(climigrate.Options{
		Open:  r.openDatabase,
		Files: migrations.FS,
		Dir:   migrations.Dir,
	})
	SetCommandPolicies(migrateCmd, map[string]CommandPolicy{"migration": PolicyMigration})
	for _, sub := range migrateCmd.Commands() {
		policy := PolicyRun
		if sub.Name() == "down" {
			policy = PolicyOnce
		}
		SetCommandPolicies(sub, map[string]CommandPolicy{"migration": policy})
	}
	rootCmd.AddCommand(migrateCmd)

	rootCmd.InitDefaultCompletionCmd()
	for _, sub := range rootCmd.Commands() {
		ensureDefaultPolicy(sub)
	}
	return rootCmd
}

// load reads configuration and builds the logger.
func (r *runner) load() (*config.Config, logger.Logger, error) {
	return LoadConfigAndLogger(r.cfgPath, r.opts.EnvPrefix, r.opts.Name, r.serviceNameOverride)
}

// withApp runs fn with a connected app and a context cancelled on SIGINT or
// SIGTERM.
func (r *runner) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, log, err := r.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := r.opts.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Error("failed to release resources", "error", err)
		}
	}()
	return fn(ctx, a)
}

func (r *runner) openDatabase(cmd *cobra.Command) (*sql.DB, logger.Logger, func(), error) {
	cfg, log, err := r.load()
	if err != nil {
		return nil, nil, nil, err
	}
	adapter, err := postgres.NewAdapter(cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}
	release := func() {
		if err := adapter.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}
	return adapter.DB(), log, release, nil
}

// LoadConfigAndLogger loads configuration from cfgPath and the environment,
// then builds the zap logger it describes.
func LoadConfigAndLogger(cfgPath, envPrefix, defaultServiceName, serviceNameOverride string) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(cfgPath, resolveEnvPrefix(envPrefix)).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(strings.ToLower(cfg.Observability.LogLevel)),
		Format: logger.LogFormat(strings.ToLower(cfg.Observability.LogFormat)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "config", fmt.Sprintf("%+v", redactedConfig(cfg)))
	}
	return cfg, log, nil
}

// Execute runs the command and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// SetCommandPolicies stores policies on the command annotations under the
// "policies." prefix, replacing any previous ones.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for key := range cmd.Annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			delete(cmd.Annotations, key)
		}
	}
	for scope, policy := range policies {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			cmd.Annotations[policiesAnnotationPrefix+trimmed] = string(policy)
		}
	}
}

// GetCommandPolicies returns the policies stored on cmd.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		scope, ok := strings.CutPrefix(key, policiesAnnotationPrefix)
		if ok && strings.TrimSpace(scope) != "" {
			out[scope] = value
		}
	}
	return out
}

// PolicyCommands lists the command paths carrying policy for scope, for
// deployment tooling that renders one job per command.
func PolicyCommands(root *cobra.Command, scope string, policy CommandPolicy) []string {
	var out []string
	var walk func(cmd *cobra.Command)
	walk = func(cmd *cobra.Command) {
		if GetCommandPolicies(cmd)[scope] == string(policy) {
			out = append(out, cmd.CommandPath())
		}
		for _, sub := range cmd.Commands() {
			walk(sub)
		}
	}
	walk(root)
	sort.Strings(out)
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "ORDEFY"
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "ordefy"
}
