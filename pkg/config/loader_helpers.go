package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values are skipped except
// where the raw document shows the key was set explicitly.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if len(override.Server.AllowedOrigins) > 0 {
		base.Server.AllowedOrigins = append([]string{}, override.Server.AllowedOrigins...)
	}
	if override.Output.Root != "" {
		base.Output.Root = override.Output.Root
	}
	if override.Output.TargetRepo != "" {
		base.Output.TargetRepo = override.Output.TargetRepo
	}
	if override.Tool.Binary != "" {
		base.Tool.Binary = override.Tool.Binary
	}
	if override.Tool.Timeout != 0 {
		base.Tool.Timeout = override.Tool.Timeout
	}
	if override.Tool.GracePeriod != 0 {
		base.Tool.GracePeriod = override.Tool.GracePeriod
	}
	if boolFieldSet(raw, "tool", "skip_permissions") {
		base.Tool.SkipPermissions = override.Tool.SkipPermissions
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Bus.NATSURL != "" {
		base.Bus.NATSURL = override.Bus.NATSURL
	}
	if override.History.Path != "" {
		base.History.Path = override.History.Path
	}
}

// boolFieldSet reports whether a nested key path exists in the raw YAML map.
func boolFieldSet(raw map[string]any, path ...string) bool {
	current := raw
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		next, ok := value.(map[string]any)
		if !ok {
			return false
		}
		current = next
	}
	return false
}
