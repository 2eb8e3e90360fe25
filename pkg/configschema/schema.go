// Package configschema generates the JSON Schema of the service
// configuration, for editor completion and for validating config files in CI.
package configschema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ordefy/ordefy/pkg/config"
)

// Build returns the schema of config.Config. Property names follow the
// mapstructure keys used in config files, durations are strings such as
// "15m", defaults come from config.DefaultConfig and secret settings are
// flagged write-only.
func Build() (*jsonschema.Schema, error) {
	t := reflect.TypeOf(config.Config{})
	schema, err := jsonschema.ForType(t, &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			reflect.TypeOf(time.Duration(0)): {Type: "string"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build config schema: %w", err)
	}
	renameFields(schema, t)

	defaults := config.DefaultConfig()
	injectDefaults(schema, reflect.ValueOf(defaults))
	pruneRequired(schema)
	for _, key := range config.SecretKeys {
		markWriteOnly(schema, strings.Split(key, "."))
	}

	schema.Schema = "https://json-schema.org/draft/2020-12/schema"
	schema.Title = defaults.Service.Name + " configuration"
	return schema, nil
}

// renameFields replaces the Go field names jsonschema-go uses with the
// mapstructure keys.
func renameFields(schema *jsonschema.Schema, t reflect.Type) {
	if schema == nil {
		return
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		renameFields(schema.Items, t.Elem())
		return
	case reflect.Struct:
	default:
		return
	}

	names := map[string]string{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		key := fieldKey(field)
		names[field.Name] = key
		if prop, ok := schema.Properties[field.Name]; ok {
			delete(schema.Properties, field.Name)
			schema.Properties[key] = prop
			renameFields(prop, field.Type)
		}
	}
	for i, name := range schema.Required {
		if key, ok := names[name]; ok {
			schema.Required[i] = key
		}
	}
	for i, name := range schema.PropertyOrder {
		if key, ok := names[name]; ok {
			schema.PropertyOrder[i] = key
		}
	}
}

func injectDefaults(schema *jsonschema.Schema, value reflect.Value) {
	if schema == nil || !value.IsValid() {
		return
	}
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		if schema.Default == nil {
			schema.Default = marshalDefault(value)
		}
		return
	}
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		prop, ok := schema.Properties[fieldKey(field)]
		if !ok {
			continue
		}
		injectDefaults(prop, value.Field(i))
	}
}

func marshalDefault(value reflect.Value) json.RawMessage {
	v := value.Interface()
	if d, ok := v.(time.Duration); ok {
		v = d.String()
	}
	if value.Kind() == reflect.Slice && value.IsNil() {
		v = []any{}
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}

// pruneRequired drops required entries that have a default, which is every
// setting: a config file may set as little as it wants.
func pruneRequired(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	pruneRequired(schema.Items)
	kept := schema.Required[:0]
	for _, name := range schema.Required {
		if prop := schema.Properties[name]; prop == nil || prop.Default == nil {
			kept = append(kept, name)
		}
	}
	schema.Required = kept
	for _, prop := range schema.Properties {
		pruneRequired(prop)
	}
}

func markWriteOnly(schema *jsonschema.Schema, path []string) {
	for schema != nil && schema.Items != nil && len(schema.Properties) == 0 {
		schema = schema.Items
	}
	if schema == nil || len(path) == 0 {
		return
	}
	prop, ok := schema.Properties[path[0]]
	if !ok {
		return
	}
	if len(path) == 1 {
		prop.WriteOnly = true
		return
	}
	markWriteOnly(prop, path[1:])
}

func fieldKey(field reflect.StructField) string {
	if tag := field.Tag.Get("mapstructure"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return toSnakeCase(field.Name)
}

func toSnakeCase(value string) string {
	var b strings.Builder
	b.Grow(len(value) + 8)
	runes := []rune(value)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
