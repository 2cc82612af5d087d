// Package orchestrator drives a build end to end: session state transitions,
// subprocess launch, the event drain loop, and artifact finalization.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/artifact"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/bus"
	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/prompt"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/request"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/runner"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/session"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/storage"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/stream"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/telemetry"
)

// Sink receives events as they are produced, in order. It must not block
// for long; the drain loop is single-threaded per build.
type Sink func(ev stream.ProcessEvent)

// Result summarizes a finished build.
type Result struct {
	BuildID    string
	Status     session.Status
	ExitCode   int
	EventCount int
	OutputDir  string
	Err        error
}

// Options wires the orchestrator's collaborators. Runner and Sessions are
// required; History and Bus are optional.
type Options struct {
	Sessions   *session.Store
	Runner     *runner.Runner
	Prompts    *prompt.Builder
	History    *storage.Store
	Bus        bus.EventBus
	Log        *logging.Logger
	OutputRoot string
	// WorkDir is the directory the subprocess runs in, where generated app
	// files land. Defaults to the process working directory.
	WorkDir string
}

// Orchestrator runs builds. Safe for concurrent use across sessions; the
// per-session run lock serializes builds within one session.
type Orchestrator struct {
	sessions   *session.Store
	runner     *runner.Runner
	prompts    *prompt.Builder
	history    *storage.Store
	bus        bus.EventBus
	log        *logging.Logger
	outputRoot string
	workDir    string
}

func New(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	prompts := opts.Prompts
	if prompts == nil {
		prompts = &prompt.Builder{}
	}
	return &Orchestrator{
		sessions:   opts.Sessions,
		runner:     opts.Runner,
		prompts:    prompts,
		history:    opts.History,
		bus:        opts.Bus,
		log:        log,
		outputRoot: opts.OutputRoot,
		workDir:    opts.WorkDir,
	}
}

// Execute runs one build for the session and streams events to sink.
// Exactly one terminal event reaches the sink, always last.
func (o *Orchestrator) Execute(ctx context.Context, sess *session.Session, req *request.BuildRequest, sink Sink) Result {
	translator := stream.NewTranslator()
	translator.SetLogger(o.log, sess.ID)

	if !req.ShouldExecute {
		ev := translator.Synthesize(stream.KindProgress, "Waiting for your next message.", map[string]any{
			"waiting": true,
		})
		sink(ev)
		return Result{Status: sess.Status()}
	}

	if !sess.TryAcquireRun() {
		err := agenterrors.New(agenterrors.ErrCodeSessionBusy, "session already has a running build").
			WithUserMessage("A build is already running for this conversation.")
		sink(terminalEvent(translator, session.StatusFailed, err))
		return Result{Status: session.StatusFailed, Err: err}
	}
	defer sess.ReleaseRun()

	buildID := session.NewBuildID()
	started := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "build")
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.AttrSessionID.String(sess.ID),
		telemetry.AttrBuildID.String(buildID),
	)
	telemetry.BuildStarted()

	sess.SetStatus(session.StatusIdle)
	sess.SetStatus(session.StatusPlanning)
	sess.Touch()

	if _, err := o.sessions.PersistContext(sess, req); err != nil {
		o.log.Warn(logging.CategoryBuild, "context_persist_failed", sess.ID, err.Error(), nil)
	}
	if o.history != nil {
		rec := storage.BuildRecord{
			BuildID:        buildID,
			SessionID:      sess.ID,
			ConversationID: sess.ConversationID,
			Instructions:   req.Instructions,
			StartedAt:      started.UTC(),
		}
		if err := o.history.RecordBuildStart(ctx, rec); err != nil {
			o.log.Warn(logging.CategoryBuild, "history_record_failed", sess.ID, err.Error(), nil)
		}
	}

	run := &buildRun{
		orch:       o,
		sess:       sess,
		req:        req,
		buildID:    buildID,
		translator: translator,
		sink:       sink,
		stage:      stream.StagePlanning,
	}

	result := run.execute(ctx)
	result.BuildID = buildID

	telemetry.BuildFinished(string(result.Status), time.Since(started))
	telemetry.SetAttributes(ctx,
		telemetry.AttrStatus.String(string(result.Status)),
		telemetry.AttrExitCode.Int(result.ExitCode),
	)
	if result.Err != nil {
		telemetry.RecordError(ctx, result.Err)
	}
	if o.history != nil {
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		if err := o.history.FinishBuild(ctx, buildID, string(result.Status),
			result.ExitCode, result.EventCount, result.OutputDir, errMsg); err != nil {
			o.log.Warn(logging.CategoryBuild, "history_finish_failed", sess.ID, err.Error(), nil)
		}
	}

	return result
}

// Terminate stops a session's live build. No-op success when nothing runs.
func (o *Orchestrator) Terminate(sessionID string) bool {
	stopped := o.runner.Terminate(sessionID)
	if sess, ok := o.sessions.ByID(sessionID); ok && stopped {
		sess.SetStatus(session.StatusTerminated)
	}
	return stopped
}

// TerminateAll stops every live build and returns how many were stopped.
func (o *Orchestrator) TerminateAll() int {
	return o.runner.TerminateAll()
}

// ClearSessions terminates any live subprocesses first, then drops all
// session tracking. Artifacts on disk are untouched.
func (o *Orchestrator) ClearSessions() int {
	o.runner.TerminateAll()
	return o.sessions.ClearAll()
}

// buildRun holds the per-build drain state.
type buildRun struct {
	orch       *Orchestrator
	sess       *session.Session
	req        *request.BuildRequest
	buildID    string
	translator *stream.Translator
	sink       Sink
	stage      string
	workDir    string
	eventCount int
}

func (r *buildRun) execute(ctx context.Context) Result {
	o := r.orch
	sess := r.sess

	var promptText string
	if sess.IsContinued() {
		promptText = o.prompts.BuildContinuation(r.req)
	} else {
		promptText = o.prompts.Build(r.req)
	}

	// The tool writes app files into its own working directory, so that is
	// what the recorder watches. Recorded files are copied into the bundle
	// under the output root after the run.
	r.workDir = o.workDir
	if r.workDir == "" {
		r.workDir, _ = os.Getwd()
	}

	var recorder *artifact.Recorder
	if o.outputRoot != "" && r.workDir != "" {
		var err error
		recorder, err = artifact.WatchDir(r.workDir)
		if err != nil {
			o.log.Warn(logging.CategoryBuild, "watcher_failed", sess.ID, err.Error(), nil)
			recorder = nil
		} else {
			defer recorder.Close()
		}
	}

	r.deliver(r.translator.Synthesize(stream.KindProgress, "Starting build", map[string]any{
		"build_id":  r.buildID,
		"continued": sess.IsContinued(),
	}))

	handle, err := o.runner.Start(ctx, sess.ID, promptText, sess.IsContinued())
	if err != nil {
		return r.fail(err, 0, "")
	}

	toolFailed := false
	for line := range handle.Lines() {
		for _, ev := range r.translator.Translate(line) {
			r.advanceStage(ev)
			ev.Stage = r.stage
			if ev.Kind == stream.KindCompletion {
				if isErr, _ := ev.Details["is_error"].(bool); isErr {
					toolFailed = true
				}
			}
			r.deliver(ev)
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	procResult, err := handle.Wait(waitCtx)
	if err != nil {
		return r.fail(agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "subprocess did not finish"), -1, "")
	}

	outputDir := r.finalize(recorder, procResult)

	switch {
	case procResult.Terminated && !procResult.TimedOut:
		telemetry.SubprocessExited("terminated")
		sess.SetStatus(session.StatusTerminated)
		r.deliver(terminalEventWith(r.translator, session.StatusTerminated, "Build terminated.", map[string]any{
			"output_dir": outputDir,
		}))
		return Result{Status: session.StatusTerminated, ExitCode: procResult.ExitCode, EventCount: r.eventCount, OutputDir: outputDir}

	case procResult.TimedOut:
		telemetry.SubprocessExited("timeout")
		err := agenterrors.New(agenterrors.ErrCodeAbnormalExit, "execution timed out").
			WithContext("exit_code", procResult.ExitCode).
			WithUserMessage("The build timed out and was stopped.")
		return r.fail(err, procResult.ExitCode, outputDir)

	case procResult.Abnormal():
		telemetry.SubprocessExited("abnormal")
		err := agenterrors.New(agenterrors.ErrCodeAbnormalExit,
			fmt.Sprintf("process exited with code %d", procResult.ExitCode)).
			WithContext("exit_code", procResult.ExitCode).
			WithContext("stderr_tail", procResult.StderrTail).
			WithUserMessage(fmt.Sprintf("The build tool exited unexpectedly (code %d).", procResult.ExitCode))
		return r.fail(err, procResult.ExitCode, outputDir)

	case toolFailed:
		telemetry.SubprocessExited("clean")
		err := agenterrors.New(agenterrors.ErrCodeInternal, "tool reported an execution error").
			WithUserMessage("The build finished with errors.")
		return r.fail(err, procResult.ExitCode, outputDir)

	default:
		telemetry.SubprocessExited("clean")
		sess.SetStatus(session.StatusCompleted)
		r.deliver(terminalEventWith(r.translator, session.StatusCompleted, "Build completed.", map[string]any{
			"output_dir": outputDir,
		}))
		return Result{Status: session.StatusCompleted, ExitCode: procResult.ExitCode, EventCount: r.eventCount, OutputDir: outputDir}
	}
}

// deliver appends to the transcript, publishes, counts, and hands the event
// to the sink, in that order.
func (r *buildRun) deliver(ev stream.ProcessEvent) {
	r.sess.AppendEvents(ev)
	r.eventCount++
	telemetry.EventTranslated(string(ev.Kind))
	_ = bus.PublishEnvelope(context.Background(), r.orch.bus, bus.Envelope{
		SessionID: r.sess.ID,
		BuildID:   r.buildID,
		Kind:      string(ev.Kind),
		Seq:       ev.Seq,
		Stage:     ev.Stage,
		Message:   ev.Message,
		Details:   ev.Details,
		Timestamp: ev.Timestamp,
	})
	r.sink(ev)
}

// advanceStage moves the build stage forward based on tool activity.
// Stages never move backwards.
func (r *buildRun) advanceStage(ev stream.ProcessEvent) {
	if ev.Kind != stream.KindToolCall {
		return
	}
	tool, _ := ev.Details["tool"].(string)
	next := stream.StageForTool(tool)
	if tool == "Bash" {
		if input, ok := ev.Details["input"].(string); ok {
			if s := stream.StageForCommand(input); s != "" {
				next = s
			} else {
				next = stream.StageBuilding
			}
		}
	}
	if stageRank(next) > stageRank(r.stage) {
		r.stage = next
		switch next {
		case stream.StageBuilding:
			r.sess.SetStatus(session.StatusBuilding)
		case stream.StageValidating:
			r.sess.SetStatus(session.StatusValidating)
		}
	}
}

// finalize writes the artifact bundle. Best effort: bundle failures are
// logged and reported in the terminal event, they do not change the build
// outcome decided by the subprocess.
func (r *buildRun) finalize(recorder *artifact.Recorder, proc runner.Result) string {
	o := r.orch
	if o.outputRoot == "" {
		return ""
	}

	bundle, err := artifact.CreateBundle(o.outputRoot, bundleName(r.req.Instructions), time.Now())
	if err != nil {
		o.log.Error(logging.CategoryBuild, "bundle_create_failed", r.sess.ID, err.Error(), nil)
		return ""
	}

	var files []artifact.FileEntry
	var deps []string
	if recorder != nil {
		recorded := recorder.Files()
		files = bundle.CopyFiles(r.workDir, recorded)
		deps = dependenciesFromFiles(r.workDir, recorded)
	}

	status := "completed"
	switch {
	case proc.Terminated && !proc.TimedOut:
		status = "terminated"
	case proc.TimedOut || proc.ExitCode != 0:
		status = "failed"
	}

	manifest := artifact.Manifest{
		App:          bundle.Slug,
		BuildID:      r.buildID,
		SessionID:    r.sess.ID,
		Status:       status,
		Instructions: r.req.Instructions,
		CreatedAt:    bundle.CreatedAt,
		FinishedAt:   time.Now().UTC(),
		Files:        files,
	}
	if err := bundle.WriteManifest(manifest); err != nil {
		o.log.Error(logging.CategoryBuild, "manifest_write_failed", r.sess.ID, err.Error(), nil)
	}
	if err := bundle.WriteDependencies(deps); err != nil {
		o.log.Error(logging.CategoryBuild, "dependencies_write_failed", r.sess.ID, err.Error(), nil)
	}
	if err := bundle.WriteBuildLog(r.req.Instructions, r.sess.Transcript(), status); err != nil {
		o.log.Error(logging.CategoryBuild, "build_log_write_failed", r.sess.ID, err.Error(), nil)
	}

	r.sess.SetOutputDir(bundle.Dir)
	return bundle.Dir
}

func (r *buildRun) fail(err error, exitCode int, outputDir string) Result {
	r.sess.SetStatus(session.StatusFailed)
	r.deliver(terminalEvent(r.translator, session.StatusFailed, err))
	return Result{Status: session.StatusFailed, ExitCode: exitCode, EventCount: r.eventCount, OutputDir: outputDir, Err: err}
}

// terminalEvent renders an error as the build's terminal event: the
// classification code plus a human-readable summary, never internals.
func terminalEvent(t *stream.Translator, status session.Status, err error) stream.ProcessEvent {
	details := map[string]any{
		"terminal": true,
		"status":   string(status),
	}
	message := "Build " + string(status) + "."
	if err != nil {
		details["code"] = string(agenterrors.GetCode(err))
		if agentErr, ok := err.(*agenterrors.Error); ok {
			message = agentErr.Summary()
		} else {
			message = err.Error()
		}
	}
	kind := stream.KindCompletion
	if status == session.StatusFailed {
		kind = stream.KindError
	}
	return t.Synthesize(kind, message, details)
}

func terminalEventWith(t *stream.Translator, status session.Status, message string, extra map[string]any) stream.ProcessEvent {
	details := map[string]any{
		"terminal": true,
		"status":   string(status),
	}
	for k, v := range extra {
		if v != "" {
			details[k] = v
		}
	}
	return t.Synthesize(stream.KindCompletion, message, details)
}

func stageRank(stage string) int {
	switch stage {
	case stream.StagePlanning:
		return 1
	case stream.StageBuilding:
		return 2
	case stream.StageValidating:
		return 3
	}
	return 0
}

// bundleName derives an app name from the first line of the instructions.
func bundleName(instructions string) string {
	line := instructions
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	words := strings.Fields(line)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ")
}
