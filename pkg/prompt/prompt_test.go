package prompt

import (
	"strings"
	"testing"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/request"
)

func TestBuildFirstTurn(t *testing.T) {
	b := &Builder{TargetRepo: "/work/apps-repo"}
	req := &request.BuildRequest{Instructions: "Build a stock tracker"}

	got := b.Build(req)

	if !strings.Contains(got, "OpenBB App Builder Agent") {
		t.Error("first turn should include system guidance")
	}
	if !strings.Contains(got, "**Working Directory:** `/work/apps-repo`") {
		t.Error("missing working directory line")
	}
	if !strings.Contains(got, "### User Request") {
		t.Error("missing user request section")
	}
	if !strings.HasSuffix(got, "Build a stock tracker") {
		t.Error("user request should come last")
	}
}

func TestBuildContinuationOmitsSystem(t *testing.T) {
	b := &Builder{}
	req := &request.BuildRequest{Instructions: "make the chart red"}

	got := b.BuildContinuation(req)

	if strings.Contains(got, "OpenBB App Builder Agent") {
		t.Error("continuation should omit system guidance")
	}
	if !strings.Contains(got, "make the chart red") {
		t.Error("missing user request")
	}
}

func TestBuildWidgetContext(t *testing.T) {
	b := &Builder{}
	req := &request.BuildRequest{
		Instructions: "chart these",
		PrimaryWidgets: []request.Widget{
			{
				Name:        "Stock Price",
				WidgetID:    "stock_price",
				Description: "Live price feed",
				Params: []map[string]any{
					{"name": "symbol", "current_value": "AAPL"},
				},
			},
		},
	}

	got := b.Build(req)

	if !strings.Contains(got, "### Widget Context") {
		t.Error("missing widget context section")
	}
	if !strings.Contains(got, "**Stock Price** (`stock_price`)") {
		t.Error("missing widget header")
	}
	if !strings.Contains(got, "- symbol: `AAPL`") {
		t.Error("missing widget parameter")
	}
}

func TestBuildDataContextTruncation(t *testing.T) {
	b := &Builder{}
	big := make([]any, 0, 500)
	for i := 0; i < 500; i++ {
		big = append(big, map[string]any{"row": i, "value": "xxxxxxxxxxxxxxxx"})
	}
	req := &request.BuildRequest{
		Instructions: "use this data",
		ToolOutputs: []request.ToolOutput{
			{Function: "get_history", Data: big},
		},
	}

	got := b.Build(req)

	if !strings.Contains(got, "**Function:** `get_history`") {
		t.Error("missing function header")
	}
	if !strings.Contains(got, "... (truncated)") {
		t.Error("large data should be truncated")
	}
}

func TestBuildCustomInstructions(t *testing.T) {
	b := &Builder{CustomInstructions: "Always use dark mode themes"}
	req := &request.BuildRequest{Instructions: "build it"}

	got := b.Build(req)
	if !strings.Contains(got, "### Additional Instructions\n\nAlways use dark mode themes") {
		t.Error("missing custom instructions section")
	}
}
