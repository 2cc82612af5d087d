// Package request normalizes heterogeneous inbound query payloads into
// canonical build requests. The transform is pure: no side effects, no
// subprocess work, so malformed input is rejected before anything starts.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
)

// Message roles used by the conversational client.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
	RoleTool  = "tool"
)

// Query is the inbound payload shape. Most fields are optional enrichments;
// only messages are required.
type Query struct {
	Messages  []Message         `json:"messages"`
	Widgets   *WidgetCollection `json:"widgets,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// Message is one conversational turn. Content may be a plain string or a
// structured block; tool messages carry function results instead.
type Message struct {
	Role           string          `json:"role"`
	Content        json.RawMessage `json:"content,omitempty"`
	Function       string          `json:"function,omitempty"`
	InputArguments map[string]any  `json:"input_arguments,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	ExtraState     map[string]any  `json:"extra_state,omitempty"`
}

// WidgetCollection separates user-selected widgets from ambient ones.
type WidgetCollection struct {
	Primary   []Widget `json:"primary,omitempty"`
	Secondary []Widget `json:"secondary,omitempty"`
}

// Widget is normalized widget metadata attached to a query.
type Widget struct {
	UUID        string           `json:"uuid"`
	WidgetID    string           `json:"widget_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Origin      string           `json:"origin,omitempty"`
	Params      []map[string]any `json:"params,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// ToolOutput is a normalized prior tool result from the conversation.
type ToolOutput struct {
	Function       string         `json:"function"`
	InputArguments map[string]any `json:"input_arguments,omitempty"`
	Data           any            `json:"data,omitempty"`
	DataRaw        string         `json:"-"`
	ExtraState     map[string]any `json:"extra_state,omitempty"`
}

// HistoryEntry is one prior conversational turn, flattened for prompting.
type HistoryEntry struct {
	Role     string `json:"role"`
	Content  string `json:"content,omitempty"`
	Function string `json:"function,omitempty"`
}

// BuildRequest is the canonical form of what the client wants built.
// Immutable once constructed: Normalize is the only constructor and nothing
// mutates the fields afterwards.
type BuildRequest struct {
	Instructions     string         `json:"instructions"`
	History          []HistoryEntry `json:"history,omitempty"`
	PrimaryWidgets   []Widget       `json:"primary_widgets,omitempty"`
	SecondaryWidgets []Widget       `json:"secondary_widgets,omitempty"`
	ToolOutputs      []ToolOutput   `json:"tool_outputs,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`

	// ShouldExecute is false when the last message is not from the human,
	// meaning the client is still mid-turn and no build should launch.
	ShouldExecute bool `json:"should_execute"`
}

// HasWidgetContext reports whether any widget context is attached.
func (r *BuildRequest) HasWidgetContext() bool {
	return len(r.PrimaryWidgets) > 0 || len(r.SecondaryWidgets) > 0
}

// HasToolOutputs reports whether any prior tool results are attached.
func (r *BuildRequest) HasToolOutputs() bool {
	return len(r.ToolOutputs) > 0
}

// Normalize converts an inbound query into a BuildRequest.
// Returns MALFORMED_REQUEST naming the offending field, or EMPTY_INSTRUCTION
// when the request is executable but carries no actionable text.
func Normalize(q *Query) (*BuildRequest, error) {
	if q == nil {
		return nil, agenterrors.New(agenterrors.ErrCodeMalformedRequest, "request body is missing").
			WithContext("field", "body")
	}
	if len(q.Messages) == 0 {
		return nil, agenterrors.New(agenterrors.ErrCodeMalformedRequest, "request has no messages").
			WithContext("field", "messages")
	}

	req := &BuildRequest{SessionID: strings.TrimSpace(q.SessionID)}

	for i, msg := range q.Messages {
		role := strings.TrimSpace(msg.Role)
		switch role {
		case RoleHuman:
			text := decodeContent(msg.Content)
			if text != "" {
				req.Instructions = text
			}
			req.History = append(req.History, HistoryEntry{Role: RoleHuman, Content: text})
		case RoleAI:
			req.History = append(req.History, HistoryEntry{Role: RoleAI, Content: decodeContent(msg.Content)})
		case RoleTool:
			req.History = append(req.History, HistoryEntry{Role: RoleTool, Function: msg.Function})
			if out := toolOutputFromMessage(msg); out != nil {
				req.ToolOutputs = append(req.ToolOutputs, *out)
			}
		default:
			return nil, agenterrors.New(agenterrors.ErrCodeMalformedRequest,
				fmt.Sprintf("message %d has unknown role %q", i, msg.Role)).
				WithContext("field", fmt.Sprintf("messages[%d].role", i))
		}
	}

	req.ShouldExecute = strings.TrimSpace(q.Messages[len(q.Messages)-1].Role) == RoleHuman

	if q.Widgets != nil {
		req.PrimaryWidgets = normalizeWidgets(q.Widgets.Primary)
		req.SecondaryWidgets = normalizeWidgets(q.Widgets.Secondary)
	}

	if req.ShouldExecute && strings.TrimSpace(req.Instructions) == "" {
		return nil, agenterrors.New(agenterrors.ErrCodeEmptyInstruction,
			"no actionable instruction text in request").
			WithUserMessage("No message provided.")
	}

	return req, nil
}

// ConversationID derives a stable pseudo conversation id from the first
// message when the client supplies no explicit session id.
func ConversationID(q *Query) string {
	if q == nil {
		return ""
	}
	if id := strings.TrimSpace(q.SessionID); id != "" {
		return id
	}
	if len(q.Messages) == 0 {
		return ""
	}
	content := decodeContent(q.Messages[0].Content)
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// decodeContent renders message content as text. Content may arrive as a
// JSON string, a list of blocks, or an object; anything non-string is
// flattened to its compact JSON form.
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(compact)
}

func toolOutputFromMessage(msg Message) *ToolOutput {
	out := &ToolOutput{
		Function:       msg.Function,
		InputArguments: msg.InputArguments,
		ExtraState:     msg.ExtraState,
	}
	if out.Function == "" {
		out.Function = "unknown"
	}

	if len(msg.Data) > 0 {
		var s string
		if err := json.Unmarshal(msg.Data, &s); err == nil {
			out.DataRaw = s
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				out.Data = parsed
			} else {
				out.Data = s
			}
		} else {
			var parsed any
			if err := json.Unmarshal(msg.Data, &parsed); err == nil {
				out.Data = parsed
			}
			out.DataRaw = string(msg.Data)
		}
	}

	return out
}

func normalizeWidgets(widgets []Widget) []Widget {
	if len(widgets) == 0 {
		return nil
	}
	out := make([]Widget, 0, len(widgets))
	for _, w := range widgets {
		if w.WidgetID == "" && w.UUID == "" && w.Name == "" {
			continue
		}
		if w.Origin == "" {
			w.Origin = "openbb"
		}
		out = append(out, w)
	}
	return out
}
