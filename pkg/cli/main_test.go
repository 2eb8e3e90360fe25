package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/cobra"

	"github.com/ordefy/ordefy/internal/admin"
	"github.com/ordefy/ordefy/internal/app"
	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/store/postgres"
)

const testJWTSecret = "cli-admin-secret-0123456789"

func TestResolveServiceNameValue(t *testing.T) {
	tests := []struct {
		name              string
		currentConfigName string
		defaultService    string
		override          string
		want              string
	}{
		{"override wins", "from-config", "from-cli", "from-flag", "from-flag"},
		{"configured value wins over default", "from-config", "from-cli", "", "from-config"},
		{"default used when config missing", "", "from-cli", "", "from-cli"},
		{"ordefy fallback", "", "", "  ", "ordefy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveServiceNameValue(tt.currentConfigName, tt.defaultService, tt.override)
			if got != tt.want {
				t.Fatalf("resolveServiceNameValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRootCommand_Tree(t *testing.T) {
	root := NewRootCommand(Options{})
	for _, path := range [][]string{
		{"serve"}, {"worker"}, {"scheduler", "run-now"}, {"cleanup"}, {"healthcheck"},
		{"jobs", "stats"}, {"jobs", "list"}, {"jobs", "retry"}, {"jobs", "stale"}, {"jobs", "requeue-stale"},
		{"admin", "token"}, {"config", "validate"}, {"config", "show"}, {"config", "schema"},
		{"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"}, {"completion"}, {"version"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("expected command %v, got %v (%v)", path, cmd, err)
		}
	}
	if root.RunE == nil {
		t.Fatal("root command should default to serve")
	}
}

func TestCommandPolicies(t *testing.T) {
	root := NewRootCommand(Options{Name: "ordefy"})

	completion, _, err := root.Find([]string{"completion"})
	if err != nil {
		t.Fatalf("find completion: %v", err)
	}
	if got := GetCommandPolicies(completion)[defaultPolicyContext]; got != string(PolicyAlways) {
		t.Fatalf("expected completion policy %q, got %q", PolicyAlways, got)
	}

	got := PolicyCommands(root, "migration", PolicyRun)
	want := []string{"ordefy migrate status", "ordefy migrate up"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("migration run commands = %v, want %v", got, want)
	}
	if once := PolicyCommands(root, "migration", PolicyOnce); len(once) != 1 || once[0] != "ordefy migrate down" {
		t.Fatalf("unexpected once commands %v", once)
	}
	scheduled := PolicyCommands(root, defaultPolicyContext, PolicyScheduled)
	if strings.Join(scheduled, ",") != "ordefy cleanup,ordefy scheduler run-now" {
		t.Fatalf("unexpected scheduled commands %v", scheduled)
	}
}

func TestSetCommandPolicies_ReplacesPrevious(t *testing.T) {
	cmd := &cobra.Command{Use: "x", Annotations: map[string]string{"owner": "ops"}}
	SetCommandPolicies(cmd, map[string]CommandPolicy{"run": PolicyRun, " ": PolicyOnce})
	SetCommandPolicies(cmd, map[string]CommandPolicy{"migration": PolicyMigration})

	policies := GetCommandPolicies(cmd)
	if len(policies) != 1 || policies["migration"] != string(PolicyMigration) {
		t.Fatalf("unexpected policies %v", policies)
	}
	if cmd.Annotations["owner"] != "ops" {
		t.Fatal("unrelated annotations must survive")
	}
}

// testRoot returns a command tree whose app runs on store and a mocked
// database.
func testRoot(t *testing.T, store queue.Store) *cobra.Command {
	t.Helper()
	connect := func(_ context.Context, cfg *config.Config, log logger.Logger) (*app.App, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.ExpectClose()
		return app.Assemble(cfg, log, postgres.NewAdapterFromDB(db, cfg.Database, log), app.WithStore(store)), nil
	}
	return NewRootCommand(Options{Name: "ordefy", Connect: connect})
}

func execute(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func failedJob(t *testing.T, store *queue.MemoryStore) *queue.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	job, err := store.Enqueue(ctx, queue.NewJob{
		TenantID:   "tenant-1",
		ShopDomain: "demo.myshopify.com",
		Topic:      "orders/create",
		Payload:    []byte(`{"id":1}`),
	}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, 1, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Finish(ctx, job.ID, queue.Outcome{Status: queue.StatusFailed, Attempted: true, LastError: "boom", At: now}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return job
}

func TestJobsStatsAndRetry(t *testing.T) {
	store := queue.NewMemoryStore()
	job := failedJob(t, store)

	out, err := execute(t, testRoot(t, store), "jobs", "stats")
	if err != nil {
		t.Fatalf("jobs stats: %v", err)
	}
	var stats admin.StatsView
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if stats.Total != 1 || stats.Counts[queue.StatusFailed] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	out, err = execute(t, testRoot(t, store), "jobs", "retry", job.ID)
	if err != nil {
		t.Fatalf("jobs retry: %v", err)
	}
	var retried queue.Job
	if err := json.Unmarshal([]byte(out), &retried); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if retried.Status != queue.StatusPending || retried.Attempts != 1 {
		t.Fatalf("unexpected retried job %+v", retried)
	}

	if _, err := execute(t, testRoot(t, store), "jobs", "list", "--status", "bogus"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}

func TestCleanupCommand(t *testing.T) {
	out, err := execute(t, testRoot(t, queue.NewMemoryStore()), "cleanup")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !strings.Contains(out, `"deleted": 0`) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAdminToken(t *testing.T) {
	t.Setenv("ORDEFY_ADMIN_JWT_SECRET", testJWTSecret)

	out, err := execute(t, NewRootCommand(Options{}), "admin", "token", "--subject", "alice", "--ttl", "5m")
	if err != nil {
		t.Fatalf("admin token: %v", err)
	}
	cfg := config.DefaultConfig()
	validator, err := auth.NewHMACValidator(testJWTSecret, cfg.Admin.Issuer, cfg.Admin.Audience)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	claims, err := validator.Validate(context.Background(), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("validate issued token: %v", err)
	}
	if claims.Subject != "alice" || !claims.HasScope(auth.ScopeQueueAdmin) {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestAdminToken_RequiresSecret(t *testing.T) {
	t.Setenv("ORDEFY_ADMIN_JWT_SECRET", "")
	if _, err := execute(t, NewRootCommand(Options{}), "admin", "token"); err == nil {
		t.Fatal("expected error without admin.jwt_secret")
	}
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	t.Setenv("ORDEFY_ADMIN_JWT_SECRET", testJWTSecret)

	out, err := execute(t, NewRootCommand(Options{}), "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, testJWTSecret) {
		t.Fatal("secret leaked into config show")
	}
	if !strings.Contains(out, redactedValue) {
		t.Fatalf("expected masked jwt_secret in %q", out)
	}

	out, err = execute(t, NewRootCommand(Options{}), "config", "show", "--show-secrets")
	if err != nil {
		t.Fatalf("config show --show-secrets: %v", err)
	}
	if !strings.Contains(out, testJWTSecret) {
		t.Fatal("expected secret with --show-secrets")
	}
}

func TestConfigValidate(t *testing.T) {
	if out, err := execute(t, NewRootCommand(Options{}), "config", "validate"); err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("config validate: %q, %v", out, err)
	}
	t.Setenv("ORDEFY_QUEUE_MAX_ATTEMPTS", "0")
	if _, err := execute(t, NewRootCommand(Options{}), "config", "validate"); err == nil || !strings.Contains(err.Error(), "max_attempts") {
		t.Fatalf("expected max_attempts error, got %v", err)
	}
}

func TestRedactSettings_WalksLists(t *testing.T) {
	settings := map[string]any{
		"webhook": map[string]any{
			"shared_secret": "",
			"tenants": []any{
				map[string]any{"id": "t1", "secret": "s1"},
				map[string]any{"id": "t2"},
			},
		},
	}
	got := redactSettings(settings, config.SecretKeys)

	webhook := got["webhook"].(map[string]any)
	if webhook["shared_secret"] != "" {
		t.Fatal("empty secrets stay empty")
	}
	tenants := webhook["tenants"].([]any)
	if tenants[0].(map[string]any)["secret"] != redactedValue {
		t.Fatalf("expected tenant secret masked, got %v", tenants[0])
	}
	if _, ok := tenants[1].(map[string]any)["secret"]; ok {
		t.Fatal("missing keys must not be added")
	}
	if settings["webhook"].(map[string]any)["tenants"].([]any)[0].(map[string]any)["secret"] != "s1" {
		t.Fatal("input must not be modified")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admin.JWTSecret = testJWTSecret
	cfg.Webhook.Tenants = []config.StaticTenant{{ID: "t1", ShopDomain: "a.myshopify.com", Secret: "s1"}}

	masked := redactedConfig(cfg)
	if masked.Admin.JWTSecret != redactedValue || masked.Webhook.Tenants[0].Secret != redactedValue {
		t.Fatalf("expected secrets masked: %+v", masked)
	}
	if cfg.Webhook.Tenants[0].Secret != "s1" || cfg.Admin.JWTSecret != testJWTSecret {
		t.Fatal("original config must not be modified")
	}
}
