package stream

import "strings"

// Build stages stamped onto events as a run progresses.
const (
	StagePlanning   = "planning"
	StageBuilding   = "building"
	StageValidating = "validating"
)

// StageForTool infers which build stage a tool invocation belongs to.
// Returns "" when the tool name carries no stage signal, meaning the current
// stage should be kept.
func StageForTool(tool string) string {
	switch tool {
	case "TodoWrite", "Task", "WebSearch", "WebFetch", "Glob", "Grep", "Read":
		return StagePlanning
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return StageBuilding
	}
	if tool == "Bash" {
		return ""
	}
	if strings.HasPrefix(tool, "mcp__") {
		return StageValidating
	}
	return ""
}

// StageForCommand inspects a shell command for validation signals. Commands
// that run validators, tests, or servers mark the validating stage.
func StageForCommand(command string) string {
	lowered := strings.ToLower(command)
	for _, marker := range []string{"validate", "pytest", "curl", "uvicorn", "pip install"} {
		if strings.Contains(lowered, marker) {
			return StageValidating
		}
	}
	return ""
}
