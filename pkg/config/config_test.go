package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidatesWithRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Root = t.TempDir()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Server.Bind != DefaultBind {
		t.Errorf("Bind = %s, want %s", cfg.Server.Bind, DefaultBind)
	}
	if cfg.Tool.Timeout != DefaultToolTimeout {
		t.Errorf("Timeout = %v, want %v", cfg.Tool.Timeout, DefaultToolTimeout)
	}
}

func TestValidateRequiresOutputRoot(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation error for missing output root")
	}
}

func TestValidateRejectsBadBind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Root = t.TempDir()
	cfg.Server.Bind = "not-an-address"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation error for bad bind address")
	}
}

func TestLoadFromPathMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  bind: "127.0.0.1:9999"
output:
  root: "` + dir + `"
tool:
  timeout: 5m
  skip_permissions: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:9999" {
		t.Errorf("Bind = %s", cfg.Server.Bind)
	}
	if cfg.Tool.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", cfg.Tool.Timeout)
	}
	if cfg.Tool.SkipPermissions {
		t.Error("Expected skip_permissions=false to override the default")
	}
	// Unset keys keep defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %s, want info", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("BUILDER_OUTPUT_ROOT", root)
	t.Setenv("BUILDER_BIND", "127.0.0.1:7001")
	t.Setenv("BUILDER_TOOL_TIMEOUT", "90s")
	t.Setenv("BUILDER_SKIP_PERMISSIONS", "false")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Output.Root != root {
		t.Errorf("Root = %s, want %s", cfg.Output.Root, root)
	}
	if cfg.Server.Bind != "127.0.0.1:7001" {
		t.Errorf("Bind = %s", cfg.Server.Bind)
	}
	if cfg.Tool.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Tool.Timeout)
	}
	if cfg.Tool.SkipPermissions {
		t.Error("Expected BUILDER_SKIP_PERMISSIONS=false to apply")
	}
}

func TestEnsureOutputRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Root = filepath.Join(t.TempDir(), "apps")

	root, err := cfg.EnsureOutputRoot()
	if err != nil {
		t.Fatalf("EnsureOutputRoot failed: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		t.Fatalf("Expected output root directory, err=%v", err)
	}
}

func TestFindToolBinaryConfiguredOverride(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Tool.Binary = bin
	if got := cfg.FindToolBinary(); got != bin {
		t.Errorf("FindToolBinary = %s, want %s", got, bin)
	}

	cfg.Tool.Binary = filepath.Join(dir, "missing")
	if got := cfg.FindToolBinary(); got != "" {
		t.Errorf("FindToolBinary = %s, want empty for missing override", got)
	}
}

func TestCheckTargetRepoUnconfigured(t *testing.T) {
	cfg := DefaultConfig()
	ok, msg, info := cfg.CheckTargetRepo()
	if ok {
		t.Error("Expected unconfigured target repo to be not-ok")
	}
	if msg == "" || info != nil {
		t.Errorf("msg=%q info=%v", msg, info)
	}
}

func TestCheckTargetRepoWithSkillsDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".claude", "skills"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Output.TargetRepo = dir

	ok, _, info := cfg.CheckTargetRepo()
	if !ok {
		t.Fatal("Expected configured target repo to be ok")
	}
	if info == nil || !info.HasSkills {
		t.Errorf("Expected HasSkills, got %+v", info)
	}
}
