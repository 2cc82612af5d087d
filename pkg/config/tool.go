package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const toolCommand = "claude"

// commonToolPaths are checked after PATH lookup fails. The CLI installer
// places the binary differently per platform.
func commonToolPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	}
	if home != "" {
		paths = append([]string{
			filepath.Join(home, ".claude", "bin", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
		}, paths...)
	}
	return paths
}

// FindToolBinary locates the code-generation CLI. The configured override
// wins, then PATH, then common install locations. Empty when not found.
func (c *Config) FindToolBinary() string {
	if c.Tool.Binary != "" {
		if isExecutable(c.Tool.Binary) {
			return c.Tool.Binary
		}
		return ""
	}

	if path, err := exec.LookPath(toolCommand); err == nil {
		return path
	}

	for _, path := range commonToolPaths() {
		if isExecutable(path) {
			return path
		}
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// CheckTool reports whether the build CLI is available, with a message
// suitable for the health endpoint.
func (c *Config) CheckTool() (bool, string) {
	binary := c.FindToolBinary()
	if binary != "" {
		return true, fmt.Sprintf("build CLI found at %s", binary)
	}
	return false, "build CLI not found; install it and ensure it is on PATH or set tool.binary"
}

// CheckOutputRoot reports whether the configured output root is writable.
func (c *Config) CheckOutputRoot() (bool, string) {
	root, err := c.EnsureOutputRoot()
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("output root writable at %s", root)
}
