//go:build !windows

package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/artifact"
	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/request"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/runner"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/session"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/stream"
)

// fakeTool writes an executable script standing in for the CLI binary.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type harness struct {
	orch     *Orchestrator
	sessions *session.Store
	root     string
	workDir  string
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	root := t.TempDir()
	workDir := filepath.Join(root, "repo")
	sessions := session.NewStore(filepath.Join(root, "sessions"))
	r := runner.New(runner.Options{
		Binary:      fakeTool(t, script),
		WorkingDir:  workDir,
		Timeout:     10 * time.Second,
		GracePeriod: 500 * time.Millisecond,
	}, nil)
	orch := New(Options{
		Sessions:   sessions,
		Runner:     r,
		OutputRoot: filepath.Join(root, "output"),
		WorkDir:    workDir,
	})
	for _, dir := range []string{workDir, filepath.Join(root, "output")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return &harness{orch: orch, sessions: sessions, root: root, workDir: workDir}
}

func buildReq(instructions string) *request.BuildRequest {
	return &request.BuildRequest{Instructions: instructions, ShouldExecute: true}
}

func collect() (Sink, *[]stream.ProcessEvent) {
	events := &[]stream.ProcessEvent{}
	return func(ev stream.ProcessEvent) { *events = append(*events, ev) }, events
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, `echo '{"type":"system","subtype":"init","session_id":"abc"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"main.py"}}]}}'
echo '{"type":"result","result":"app built","is_error":false}'`)
	sess := h.sessions.GetOrCreate("conv-1")

	sink, events := collect()
	res := h.orch.Execute(context.Background(), sess, buildReq("build a stock tracker app"), sink)

	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if res.BuildID == "" {
		t.Error("missing build id")
	}
	if len(*events) == 0 {
		t.Fatal("no events delivered")
	}

	var terminals int
	for i, ev := range *events {
		if want := uint64(i + 1); ev.Seq != want {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, want)
		}
		if ev.Details["terminal"] == true {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want 1", terminals)
	}
	last := (*events)[len(*events)-1]
	if last.Kind != stream.KindCompletion || last.Details["terminal"] != true {
		t.Errorf("last event = %+v, want terminal completion", last)
	}
	if last.Details["status"] != string(session.StatusCompleted) {
		t.Errorf("terminal status = %v", last.Details["status"])
	}

	if sess.Status() != session.StatusCompleted {
		t.Errorf("session status = %s", sess.Status())
	}
	if res.OutputDir == "" {
		t.Fatal("no output dir")
	}
	if _, err := os.Stat(filepath.Join(res.OutputDir, "manifest.json")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.OutputDir, "BUILD_LOG.md")); err != nil {
		t.Errorf("build log missing: %v", err)
	}
}

func TestExecuteAbnormalExit(t *testing.T) {
	h := newHarness(t, `echo '{"type":"system","subtype":"init"}'
echo boom >&2
exit 3`)
	sess := h.sessions.GetOrCreate("conv-abnormal")

	sink, events := collect()
	res := h.orch.Execute(context.Background(), sess, buildReq("build something"), sink)

	if res.Status != session.StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if !agenterrors.IsCode(res.Err, agenterrors.ErrCodeAbnormalExit) {
		t.Errorf("err = %v", res.Err)
	}

	last := (*events)[len(*events)-1]
	if last.Kind != stream.KindError {
		t.Errorf("last kind = %s", last.Kind)
	}
	if last.Details["code"] != string(agenterrors.ErrCodeAbnormalExit) {
		t.Errorf("terminal code = %v", last.Details["code"])
	}
	if sess.Status() != session.StatusFailed {
		t.Errorf("session status = %s", sess.Status())
	}
}

func TestExecuteToolReportedError(t *testing.T) {
	h := newHarness(t, `echo '{"type":"result","result":"could not finish","is_error":true}'`)
	sess := h.sessions.GetOrCreate("conv-toolerr")

	sink, _ := collect()
	res := h.orch.Execute(context.Background(), sess, buildReq("build something"), sink)

	if res.Status != session.StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if !agenterrors.IsCode(res.Err, agenterrors.ErrCodeInternal) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestExecuteWithoutShouldExecute(t *testing.T) {
	h := newHarness(t, `exit 0`)
	sess := h.sessions.GetOrCreate("conv-wait")

	req := &request.BuildRequest{Instructions: "noted", ShouldExecute: false}
	sink, events := collect()
	res := h.orch.Execute(context.Background(), sess, req, sink)

	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.BuildID != "" {
		t.Error("no build should have started")
	}
	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.Kind != stream.KindProgress || ev.Details["waiting"] != true {
		t.Errorf("event = %+v", ev)
	}
}

func TestExecuteSessionBusy(t *testing.T) {
	h := newHarness(t, `exit 0`)
	sess := h.sessions.GetOrCreate("conv-busy")

	if !sess.TryAcquireRun() {
		t.Fatal("could not take run lock")
	}
	defer sess.ReleaseRun()

	sink, events := collect()
	res := h.orch.Execute(context.Background(), sess, buildReq("build"), sink)

	if !agenterrors.IsCode(res.Err, agenterrors.ErrCodeSessionBusy) {
		t.Fatalf("err = %v", res.Err)
	}
	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	if (*events)[0].Kind != stream.KindError {
		t.Errorf("event = %+v", (*events)[0])
	}
}

func TestStageAdvancesWithToolActivity(t *testing.T) {
	h := newHarness(t, `echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"ref.py"}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"main.py"}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"pytest tests/"}}]}}'
echo '{"type":"result","result":"done","is_error":false}'`)
	sess := h.sessions.GetOrCreate("conv-stages")

	sink, events := collect()
	res := h.orch.Execute(context.Background(), sess, buildReq("build"), sink)
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}

	stageFor := func(tool string) string {
		for _, ev := range *events {
			if ev.Kind == stream.KindToolCall && ev.Details["tool"] == tool {
				return ev.Stage
			}
		}
		t.Fatalf("no tool call for %s", tool)
		return ""
	}
	if got := stageFor("Read"); got != stream.StagePlanning {
		t.Errorf("Read stage = %s", got)
	}
	if got := stageFor("Write"); got != stream.StageBuilding {
		t.Errorf("Write stage = %s", got)
	}
	if got := stageFor("Bash"); got != stream.StageValidating {
		t.Errorf("Bash stage = %s", got)
	}
}

func TestTerminateStopsRunningBuild(t *testing.T) {
	h := newHarness(t, `echo '{"type":"system","subtype":"init"}'
sleep 30`)
	sess := h.sessions.GetOrCreate("conv-term")

	done := make(chan Result, 1)
	sink, _ := collect()
	go func() {
		done <- h.orch.Execute(context.Background(), sess, buildReq("build"), sink)
	}()

	deadline := time.After(5 * time.Second)
	for !h.orch.runner.Running(sess.ID) {
		select {
		case <-deadline:
			t.Fatal("subprocess never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !h.orch.Terminate(sess.ID) {
		t.Fatal("Terminate found nothing to stop")
	}

	select {
	case res := <-done:
		if res.Status != session.StatusTerminated {
			t.Errorf("status = %s, err = %v", res.Status, res.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("build did not stop")
	}

	if h.orch.Terminate(sess.ID) {
		t.Error("second Terminate should be a no-op")
	}
}

func TestBundleCapturesWorkDirFiles(t *testing.T) {
	// The tool writes app files relative to its working directory, which is
	// not the output root. The bundle must still pick them up.
	h := newHarness(t, `mkdir -p apps/demo
printf 'print()\n' > apps/demo/main.py
printf 'fastapi\nuvicorn\n' > apps/demo/requirements.txt
sleep 0.3
echo '{"type":"result","result":"done","is_error":false}'`)
	sess := h.sessions.GetOrCreate("conv-files")

	sink, _ := collect()
	res := h.orch.Execute(context.Background(), sess, buildReq("record files"), sink)
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}

	data, err := os.ReadFile(filepath.Join(res.OutputDir, "manifest.json"))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	var manifest artifact.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatal(err)
	}
	paths := make([]string, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		paths = append(paths, f.Path)
	}
	joined := strings.Join(paths, "\n")
	for _, want := range []string{"apps/demo/main.py", "apps/demo/requirements.txt"} {
		if !strings.Contains(joined, want) {
			t.Errorf("manifest missing %q, files:\n%s", want, joined)
		}
	}

	if _, err := os.Stat(filepath.Join(res.OutputDir, "apps", "demo", "main.py")); err != nil {
		t.Errorf("bundle copy missing: %v", err)
	}

	deps, err := os.ReadFile(filepath.Join(res.OutputDir, "dependencies.txt"))
	if err != nil {
		t.Fatalf("dependencies missing: %v", err)
	}
	for _, want := range []string{"fastapi", "uvicorn"} {
		if !strings.Contains(string(deps), want) {
			t.Errorf("dependencies missing %q:\n%s", want, deps)
		}
	}
}
