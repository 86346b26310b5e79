// Package supervisor spawns plugin subprocesses and supervises them to
// completion, capturing output and transitioning the owning execution
// row to its terminal state.
//
// Grounded on original_source/src/services/execution_service.rs's
// tokio::spawn monitor task, with one deliberate correctness
// improvement over that source (also called out in spec.md §9):
// stdout and stderr are drained on their own goroutines started
// immediately after the process starts, not read sequentially after
// Wait() returns — the original's read-after-wait ordering can
// deadlock a child that fills its pipe buffer before exiting.
package supervisor

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/executionstore"
	"github.com/atomnode/node/internal/models"
	"github.com/atomnode/node/internal/paths"
	"github.com/atomnode/node/internal/runtime"
)

// Supervisor spawns and supervises plugin subprocesses.
type Supervisor struct {
	logger     *zap.Logger
	execs      *executionstore.Store
	paths      *paths.Resolver
	previewTTL time.Duration
	clock      func() time.Time
}

// New builds a Supervisor. previewTTL governs how long a prepared
// execution's confirm token stays valid; callers that don't need to
// override the default pass models.PreviewTTL.
func New(logger *zap.Logger, execs *executionstore.Store, resolver *paths.Resolver, previewTTL time.Duration) *Supervisor {
	return &Supervisor{logger: logger, execs: execs, paths: resolver, previewTTL: previewTTL, clock: time.Now}
}

// SpawnParams carries everything Spawn needs to launch and supervise
// one subprocess.
type SpawnParams struct {
	Execution        *models.Execution
	Plugin           *models.Plugin
	Plan             runtime.Plan
	ExtraEnv         map[string]string
	SuccessStatus    models.Status
	CleanupOnSuccess bool
}

// Spawn starts the subprocess described by params, records its pid,
// and launches the background goroutine that drains output and
// transitions the execution to its terminal state once the process
// exits. Spawn itself returns once the process is running (or failed
// to start) — it does not block for completion.
//
// The child is intentionally not tied to ctx's cancellation: ctx is
// typically an inbound HTTP request's context, which is canceled as
// soon as its handler returns, but the plugin subprocess is meant to
// keep running under this supervisor's own background goroutine for
// as long as it takes, independent of any one request's lifetime.
func (s *Supervisor) Spawn(ctx context.Context, params SpawnParams) error {
	workDir := s.paths.WorkDir(params.Execution.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return apperr.IO(err, "failed to create work dir %s", workDir)
	}

	argv := params.Plan.Argv
	cmd := exec.CommandContext(context.WithoutCancel(ctx), argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(os.Environ(), params.Plan.Env, params.ExtraEnv)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(workDir)
		return apperr.IO(err, "failed to open stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(workDir)
		return apperr.IO(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return apperr.IO(err, "failed to start plugin %s", params.Plugin.PluginID)
	}

	if cmd.Process == nil {
		os.RemoveAll(workDir)
		return apperr.IO(nil, "process started with no pid")
	}

	if err := s.execs.UpdatePID(params.Execution.ID, cmd.Process.Pid); err != nil {
		s.logger.Error("failed to record pid", zap.String("execution_id", params.Execution.ID), zap.Error(err))
	}

	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go drain(stdoutPipe, stdoutCh)
	go drain(stderrPipe, stderrCh)

	go s.supervise(cmd, params, workDir, stdoutCh, stderrCh)

	return nil
}

func (s *Supervisor) supervise(cmd *exec.Cmd, params SpawnParams, workDir string, stdoutCh, stderrCh chan []byte) {
	waitErr := cmd.Wait()
	stdout := <-stdoutCh
	stderr := <-stderrCh

	finishedAt := s.clock().UnixMilli()
	exitCode := cmd.ProcessState.ExitCode()

	var stdoutPtr, stderrPtr *string
	if len(stdout) > 0 {
		v := string(stdout)
		stdoutPtr = &v
	}
	if len(stderr) > 0 {
		v := string(stderr)
		stderrPtr = &v
	} else if waitErr != nil {
		v := waitErr.Error()
		stderrPtr = &v
	}

	logger := s.logger.With(
		zap.String("execution_id", params.Execution.ID),
		zap.String("plugin_id", params.Plugin.PluginID),
	)

	cleanup := true
	switch {
	case waitErr == nil && exitCode == 0 && params.SuccessStatus == models.StatusPreviewReady:
		token := uuid.NewString()
		expiresAt := finishedAt + s.previewTTL.Milliseconds()
		exitCodePtr := &exitCode
		if err := s.execs.MarkPreviewReady(params.Execution.ID, stdoutPtr, stderrPtr, exitCodePtr, stdoutPtr, token, expiresAt, finishedAt); err != nil {
			logger.Error("failed to mark execution preview ready", zap.Error(err))
		}
		// work_dir is always removed; the prepared plan lives in the DB.
	case waitErr == nil && exitCode == 0:
		exitCodePtr := &exitCode
		if err := s.execs.UpdateResult(params.Execution.ID, stdoutPtr, stderrPtr, exitCodePtr, params.SuccessStatus, finishedAt); err != nil {
			logger.Error("failed to record execution result", zap.Error(err))
		}
		cleanup = params.CleanupOnSuccess
	default:
		exitCodePtr := &exitCode
		if err := s.execs.UpdateResult(params.Execution.ID, stdoutPtr, stderrPtr, exitCodePtr, models.StatusFailed, finishedAt); err != nil {
			logger.Error("failed to record execution failure", zap.Error(err))
		}
	}

	if cleanup {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove work dir", zap.String("work_dir", workDir), zap.Error(err))
		}
	}
}

// drain reads r to completion and sends the full contents on ch. It is
// started before Wait() is called so the child never blocks writing to
// a full pipe buffer while nothing is reading the other side.
func drain(r io.Reader, ch chan<- []byte) {
	var buf bytes.Buffer
	io.Copy(&buf, r)
	ch <- buf.Bytes()
}

func mergeEnv(base []string, overrides ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		if idx := indexOfByte(kv, '='); idx >= 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for _, override := range overrides {
		for k, v := range override {
			merged[k] = v
		}
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

func indexOfByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
