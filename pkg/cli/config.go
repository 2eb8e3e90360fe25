package cli

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/configschema"
)

const redactedValue = "***"

func (r *runner) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration tooling",
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := r.loadSettings(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := r.loadSettings()
			if err != nil {
				return err
			}
			if !showSecrets {
				settings = redactSettings(settings, config.SecretKeys)
			}
			data, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().BoolVar(&showSecrets, "show-secrets", false, "print secret values")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := configschema.Build()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})
	return cmd
}

func (r *runner) loadSettings() (map[string]any, error) {
	_, settings, err := config.NewViperLoader(r.cfgPath, resolveEnvPrefix(r.opts.EnvPrefix)).LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return settings, nil
}

// redactSettings masks every non-empty value found at one of the dotted
// keys. Lists are walked element by element, so "webhook.tenants.secret"
// masks the secret of each tenant.
func redactSettings(settings map[string]any, keys []string) map[string]any {
	out := settings
	for _, key := range keys {
		out = redactPath(out, strings.Split(key, ".")).(map[string]any)
	}
	return out
}

func redactPath(value any, path []string) any {
	switch v := value.(type) {
	case map[string]any:
		child, ok := v[path[0]]
		if !ok {
			return v
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = item
		}
		if len(path) == 1 {
			if s, isString := child.(string); !isString || s != "" {
				out[path[0]] = redactedValue
			}
			return out
		}
		out[path[0]] = redactPath(child, path[1:])
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactPath(item, path)
		}
		return out
	default:
		return value
	}
}

// redactedConfig returns a copy of cfg with secrets masked, for logging.
func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	mask := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}
	mask(&out.Database.URL)
	mask(&out.Redis.URL)
	mask(&out.Webhook.SharedSecret)
	mask(&out.Admin.JWTSecret)
	mask(&out.Events.RabbitMQ.URL)
	out.Webhook.Tenants = slices.Clone(cfg.Webhook.Tenants)
	for i := range out.Webhook.Tenants {
		mask(&out.Webhook.Tenants[i].Secret)
	}
	return out
}
