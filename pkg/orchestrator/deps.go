package orchestrator

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// dependenciesFromFiles collects package requirements from any
// requirements.txt files the build produced. Paths are relative to root.
func dependenciesFromFiles(root string, recorded []string) []string {
	var deps []string
	for _, rel := range recorded {
		if filepath.Base(rel) != "requirements.txt" {
			continue
		}
		deps = append(deps, readRequirements(filepath.Join(root, rel))...)
	}
	return deps
}

func readRequirements(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
