// Package prompt assembles the instruction text handed to the code
// generation tool: system guidance on the first turn, then widget and data
// context, then the user request.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/request"
)

// maxToolDataBytes caps widget data embedded in a prompt. Large datasets
// overwhelm the tool's context window without improving results.
const maxToolDataBytes = 2000

const systemPrompt = `## OpenBB App Builder Agent

You are an expert at building OpenBB Workspace backend applications. Your task is to create
production-ready FastAPI backends that integrate with OpenBB Workspace.

### Key Guidelines

1. **Follow the reference-backend patterns** in ` + "`getting-started/reference-backend/`" + ` for:
   - Project structure
   - FastAPI app setup with CORS
   - Widget endpoint patterns
   - apps.json and widgets.json schemas

2. **Use the local .claude skill** if available at ` + "`.claude/skills/openbb-app-builder`" + ` for
   detailed guidance on OpenBB app structure.

3. **Schema Requirements** (CRITICAL):
   - ` + "`apps.json`" + ` must be an **array** of app objects (not a single object)
   - ` + "`widgets.json`" + ` must be an **object/dict** keyed by widget ID
   - Always validate against ` + "`scripts/validate_app.py`" + ` if available

4. **Output Location**:
   - Create apps under ` + "`apps/<app-name>_YYYYMMDD_HHMM/`" + ` directory
   - Use current date/time for the timestamp (e.g., ` + "`apps/stock-tracker_20250223_1430/`" + `)
   - Include: main.py, widgets.json, apps.json, requirements.txt, CONVERSATION.md

5. **Conversation Log** (REQUIRED):
   - Always create a ` + "`CONVERSATION.md`" + ` file in the app directory documenting the
     complete build: the verbatim user request, widget and data context, every file
     created, every command run, errors encountered and fixes, validation output,
     and a final success or failure summary.

6. **Standard Files**:
   - ` + "`main.py`" + `: FastAPI app with widget endpoints
   - ` + "`widgets.json`" + `: Widget definitions with inputs/outputs
   - ` + "`apps.json`" + `: App metadata array
   - ` + "`requirements.txt`" + `: Python dependencies
   - ` + "`CONVERSATION.md`" + `: Build log for this session

### Error Handling

- If you encounter ANY errors (validation, syntax, import, etc.), fix them immediately
- Do not stop and report errors - fix them and continue
- After fixing, re-run validation to confirm the fix worked
- Only report to the user once everything is working
`

// Builder constructs prompts. A zero Builder is usable; TargetRepo and
// CustomInstructions are optional enrichments.
type Builder struct {
	TargetRepo         string
	CustomInstructions string
}

// Build assembles the full prompt for a first-turn invocation.
func (b *Builder) Build(req *request.BuildRequest) string {
	return b.build(req, true)
}

// BuildContinuation assembles a prompt for a follow-up turn. System guidance
// is omitted since the tool session already carries it.
func (b *Builder) BuildContinuation(req *request.BuildRequest) string {
	return b.build(req, false)
}

func (b *Builder) build(req *request.BuildRequest, includeSystem bool) string {
	var parts []string

	if includeSystem {
		parts = append(parts, systemPrompt)
	}

	if b.TargetRepo != "" {
		parts = append(parts, fmt.Sprintf("**Working Directory:** `%s`\n", b.TargetRepo))
	}

	if b.CustomInstructions != "" {
		parts = append(parts, fmt.Sprintf("### Additional Instructions\n\n%s\n", b.CustomInstructions))
	}

	if len(req.PrimaryWidgets) > 0 {
		parts = append(parts, widgetSection(req.PrimaryWidgets))
	}

	if len(req.ToolOutputs) > 0 {
		parts = append(parts, dataSection(req.ToolOutputs))
	}

	parts = append(parts, "### User Request\n")
	parts = append(parts, req.Instructions)

	return strings.Join(parts, "\n")
}

func widgetSection(widgets []request.Widget) string {
	var sb strings.Builder
	sb.WriteString("### Widget Context (from OpenBB Dashboard)\n\n")
	sb.WriteString("The user has selected the following widgets for context:\n")

	for _, w := range widgets {
		fmt.Fprintf(&sb, "\n**%s** (`%s`)", w.Name, w.WidgetID)
		if w.Description != "" {
			sb.WriteString("\n" + w.Description)
		}
		if len(w.Params) > 0 {
			sb.WriteString("\nParameters:")
			for _, p := range w.Params {
				name, ok := p["name"].(string)
				if !ok {
					name = "unknown"
				}
				value := p["current_value"]
				if value == nil {
					value = "N/A"
				}
				fmt.Fprintf(&sb, "\n- %s: `%v`", name, value)
			}
		}
	}

	sb.WriteString("\n")
	return sb.String()
}

func dataSection(outputs []request.ToolOutput) string {
	var sb strings.Builder
	sb.WriteString("### Data Context (from Widget Data)\n\n")
	sb.WriteString("The following data was retrieved from the selected widgets:\n")

	for _, out := range outputs {
		fmt.Fprintf(&sb, "\n**Function:** `%s`", out.Function)
		if out.Data != nil {
			fmt.Fprintf(&sb, "\n```json\n%s\n```", truncateData(out.Data))
		}
	}

	sb.WriteString("\n")
	return sb.String()
}

func truncateData(data any) string {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	if len(encoded) > maxToolDataBytes {
		return string(encoded[:maxToolDataBytes]) + "\n... (truncated)"
	}
	return string(encoded)
}
