package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/db"
	"github.com/atomnode/node/internal/executionstore"
	"github.com/atomnode/node/internal/models"
	"github.com/atomnode/node/internal/paths"
	"github.com/atomnode/node/internal/pluginstore"
	"github.com/atomnode/node/internal/supervisor"
)

func newTestOrchestrator(t *testing.T, pluginOpts ...func(*models.Plugin)) *Orchestrator {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	resolver, err := paths.NewResolver(t.TempDir())
	require.NoError(t, err)

	plugins := pluginstore.New(conn)
	plugin := &models.Plugin{
		PluginID:   "hello",
		Name:       "Hello",
		Version:    "1.0.0",
		PluginType: models.ScriptRuntime,
		PluginPath: "/x",
		EntryPoint: "entry.sh",
		Enabled:    true,
		CreatedAt:  1,
		UpdatedAt:  1,
	}
	for _, opt := range pluginOpts {
		opt(plugin)
	}
	require.NoError(t, plugins.Create(plugin))

	execs := executionstore.New(conn)
	sup := supervisor.New(zaptest.NewLogger(t), execs, resolver, models.PreviewTTL)
	return New(zaptest.NewLogger(t), plugins, execs, sup, "sh", "1.0.0")
}

func waitTerminal(t *testing.T, orch *Orchestrator, id string) *models.Execution {
	t.Helper()
	execution, err := orch.WaitForStates(context.Background(), id, []models.Status{
		models.StatusCompleted, models.StatusFailed, models.StatusPreviewReady,
	}, 5*time.Second)
	require.NoError(t, err)
	return execution
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "entry.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return dir
}

func TestPrepareThenApply_HappyPath(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\nif [ \"$ATOM_PHASE\" = \"prepare\" ]; then echo PLAN; else echo \"applied: $ATOM_PREVIEW_PLAN\"; fi\n")

	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	prepared, err := orch.Prepare(context.Background(), "hello", nil)
	require.NoError(t, err)

	final := waitTerminal(t, orch, prepared.ID)
	require.Equal(t, models.StatusPreviewReady, final.Status)
	require.NotNil(t, final.ConfirmToken)
	require.NotNil(t, final.PreviewPayload)
	assert.Equal(t, "PLAN\n", *final.PreviewPayload)

	applied, err := orch.Apply(context.Background(), prepared.ID, *final.ConfirmToken, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseApply, applied.Phase)

	appliedFinal := waitTerminal(t, orch, applied.ID)
	assert.Equal(t, models.StatusCompleted, appliedFinal.Status)
	require.NotNil(t, appliedFinal.Stdout)
	assert.Contains(t, *appliedFinal.Stdout, "applied: PLAN")
}

func TestApply_WrongTokenFails(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\necho PLAN\n")
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	prepared, err := orch.Prepare(context.Background(), "hello", nil)
	require.NoError(t, err)
	waitTerminal(t, orch, prepared.ID)

	_, err = orch.Apply(context.Background(), prepared.ID, "wrong-token", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestApply_ReapplyingAfterSuccessFails(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\necho PLAN\n")
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	prepared, err := orch.Prepare(context.Background(), "hello", nil)
	require.NoError(t, err)
	final := waitTerminal(t, orch, prepared.ID)

	_, err = orch.Apply(context.Background(), prepared.ID, *final.ConfirmToken, nil)
	require.NoError(t, err)
	waitTerminal(t, orch, prepared.ID)

	_, err = orch.Apply(context.Background(), prepared.ID, *final.ConfirmToken, nil)
	require.Error(t, err)
}

func TestExecute_DisabledPluginFails(t *testing.T) {
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.Enabled = false })

	_, err := orch.Execute(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindDisabled, apperr.KindOf(err))
}

func TestExecute_MinHostVersionRejectsOldDaemon(t *testing.T) {
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.MinHostVersion = ">= 2.0.0" })

	_, err := orch.Execute(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestExecute_UnknownParameterFails(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\necho ok\n")
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	_, err := orch.Execute(context.Background(), "hello", map[string]interface{}{"zone": "a"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestExecute_HappyPathMarksCompleted(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\necho \"phase=$ATOM_PHASE\"\n")
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	execution, err := orch.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseApply, execution.Phase)

	final := waitTerminal(t, orch, execution.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	require.NotNil(t, final.Stdout)
	assert.Equal(t, "phase=apply\n", *final.Stdout)
}

func TestStop_SetsStoppedStatus(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\nsleep 2\n")
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	execution, err := orch.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)

	require.NoError(t, orch.Stop(execution.ID))

	got, err := orch.Get(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
}

func TestWaitForStates_TimesOutWithoutError(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\nsleep 2\n")
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	execution, err := orch.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)

	got, err := orch.WaitForStates(context.Background(), execution.ID, []models.Status{models.StatusCompleted}, 150*time.Millisecond)
	require.NoError(t, err)
	assert.NotEqual(t, models.StatusCompleted, got.Status)
}

func TestListByPlugin(t *testing.T) {
	scriptDir := writeScript(t, t.TempDir(), "#!/bin/sh\necho ok\n")
	orch := newTestOrchestrator(t, func(p *models.Plugin) { p.PluginPath = scriptDir })

	_, err := orch.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)
	_, err = orch.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)

	executions, err := orch.List("hello")
	require.NoError(t, err)
	assert.Len(t, executions, 2)

	all, err := orch.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
