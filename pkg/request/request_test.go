package request

import (
	"encoding/json"
	"testing"

	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
)

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestNormalizeSimpleQuery(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: RoleHuman, Content: rawString("Build a dashboard for AAPL")},
		},
	}

	req, err := Normalize(q)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if req.Instructions != "Build a dashboard for AAPL" {
		t.Errorf("Instructions = %q", req.Instructions)
	}
	if !req.ShouldExecute {
		t.Error("expected ShouldExecute for human last message")
	}
	if len(req.History) != 1 {
		t.Errorf("History length = %d, want 1", len(req.History))
	}
}

func TestNormalizeNilQuery(t *testing.T) {
	_, err := Normalize(nil)
	if !agenterrors.IsCode(err, agenterrors.ErrCodeMalformedRequest) {
		t.Errorf("expected MALFORMED_REQUEST, got %v", err)
	}
}

func TestNormalizeNoMessages(t *testing.T) {
	_, err := Normalize(&Query{})
	if !agenterrors.IsCode(err, agenterrors.ErrCodeMalformedRequest) {
		t.Errorf("expected MALFORMED_REQUEST, got %v", err)
	}
}

func TestNormalizeUnknownRole(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: "robot", Content: rawString("hello")},
		},
	}
	_, err := Normalize(q)
	if !agenterrors.IsCode(err, agenterrors.ErrCodeMalformedRequest) {
		t.Fatalf("expected MALFORMED_REQUEST, got %v", err)
	}
	agentErr, ok := err.(*agenterrors.Error)
	if !ok {
		t.Fatal("expected *errors.Error")
	}
	if agentErr.Context["field"] != "messages[0].role" {
		t.Errorf("field context = %v", agentErr.Context["field"])
	}
}

func TestNormalizeEmptyInstruction(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: RoleHuman, Content: rawString("   ")},
		},
	}
	_, err := Normalize(q)
	if !agenterrors.IsCode(err, agenterrors.ErrCodeEmptyInstruction) {
		t.Errorf("expected EMPTY_INSTRUCTION, got %v", err)
	}
}

func TestNormalizeShouldExecuteFalse(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: RoleHuman, Content: rawString("Build something")},
			{Role: RoleAI, Content: rawString("Working on it")},
		},
	}
	req, err := Normalize(q)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if req.ShouldExecute {
		t.Error("expected ShouldExecute=false when AI spoke last")
	}
	// Instructions still captured from the human turn.
	if req.Instructions != "Build something" {
		t.Errorf("Instructions = %q", req.Instructions)
	}
}

func TestNormalizeLatestHumanMessageWins(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: RoleHuman, Content: rawString("first ask")},
			{Role: RoleAI, Content: rawString("done")},
			{Role: RoleHuman, Content: rawString("second ask")},
		},
	}
	req, err := Normalize(q)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if req.Instructions != "second ask" {
		t.Errorf("Instructions = %q, want latest human message", req.Instructions)
	}
	if len(req.History) != 3 {
		t.Errorf("History length = %d, want 3", len(req.History))
	}
}

func TestNormalizeToolMessage(t *testing.T) {
	data, _ := json.Marshal(`{"price": 123.45}`)
	q := &Query{
		Messages: []Message{
			{Role: RoleTool, Function: "get_stock_price", InputArguments: map[string]any{"symbol": "AAPL"}, Data: data},
			{Role: RoleHuman, Content: rawString("chart this")},
		},
	}
	req, err := Normalize(q)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if len(req.ToolOutputs) != 1 {
		t.Fatalf("ToolOutputs length = %d, want 1", len(req.ToolOutputs))
	}
	out := req.ToolOutputs[0]
	if out.Function != "get_stock_price" {
		t.Errorf("Function = %q", out.Function)
	}
	parsed, ok := out.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data type = %T, want map", out.Data)
	}
	if parsed["price"] != 123.45 {
		t.Errorf("price = %v", parsed["price"])
	}
}

func TestNormalizeStructuredContent(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: RoleHuman, Content: json.RawMessage(`[{"type":"text","text":"hi"}]`)},
		},
	}
	req, err := Normalize(q)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if req.Instructions == "" {
		t.Error("expected flattened structured content, got empty")
	}
}

func TestNormalizeWidgets(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: RoleHuman, Content: rawString("use my widgets")},
		},
		Widgets: &WidgetCollection{
			Primary: []Widget{
				{WidgetID: "stock_price", Name: "Stock Price"},
				{}, // no identity, dropped
			},
			Secondary: []Widget{
				{UUID: "abc", Name: "News", Origin: "custom"},
			},
		},
	}
	req, err := Normalize(q)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if len(req.PrimaryWidgets) != 1 {
		t.Fatalf("PrimaryWidgets length = %d, want 1", len(req.PrimaryWidgets))
	}
	if req.PrimaryWidgets[0].Origin != "openbb" {
		t.Errorf("default origin = %q", req.PrimaryWidgets[0].Origin)
	}
	if req.SecondaryWidgets[0].Origin != "custom" {
		t.Errorf("explicit origin = %q", req.SecondaryWidgets[0].Origin)
	}
	if !req.HasWidgetContext() {
		t.Error("HasWidgetContext should be true")
	}
}

func TestConversationID(t *testing.T) {
	q := &Query{
		Messages: []Message{
			{Role: RoleHuman, Content: rawString("same opener")},
		},
	}
	first := ConversationID(q)
	if first == "" {
		t.Fatal("expected non-empty conversation id")
	}
	if got := ConversationID(q); got != first {
		t.Errorf("conversation id not stable: %q vs %q", got, first)
	}

	q.SessionID = "explicit-id"
	if got := ConversationID(q); got != "explicit-id" {
		t.Errorf("explicit session id not honored: %q", got)
	}

	if got := ConversationID(nil); got != "" {
		t.Errorf("nil query id = %q, want empty", got)
	}
}
