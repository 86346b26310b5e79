// Package orchestrator implements the Execution Orchestrator: the
// prepare/apply two-phase state machine, its single-phase execute
// shortcut, stop, and state-polling.
//
// Grounded on original_source/src/services/execution_service.rs
// (execute_plugin, stop_execution) generalized to the two-phase flow
// spec.md §4.5 describes, which that source's simpler single-phase
// execute_plugin does not itself implement.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Masterminds/semver"
	"go.uber.org/zap"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/executionstore"
	"github.com/atomnode/node/internal/models"
	"github.com/atomnode/node/internal/param"
	"github.com/atomnode/node/internal/pluginstore"
	"github.com/atomnode/node/internal/runtime"
	"github.com/atomnode/node/internal/supervisor"
)

const (
	envPhase        = "ATOM_PHASE"
	envPluginParams = "ATOM_PLUGIN_PARAMS"
	envPreviewPlan  = "ATOM_PREVIEW_PLAN"

	phaseValuePrepare = "prepare"
	phaseValueApply   = "apply"
)

// Orchestrator drives plugin executions through prepare/apply/execute.
type Orchestrator struct {
	logger            *zap.Logger
	plugins           *pluginstore.Store
	executions        *executionstore.Store
	supervisor        *supervisor.Supervisor
	scriptInterpreter string
	hostVersion       string
	clock             func() time.Time
}

// New builds an Orchestrator. hostVersion is this daemon's own build
// version, checked against each plugin's min_host_version constraint.
func New(logger *zap.Logger, plugins *pluginstore.Store, executions *executionstore.Store, sup *supervisor.Supervisor, scriptInterpreter, hostVersion string) *Orchestrator {
	return &Orchestrator{
		logger:            logger,
		plugins:           plugins,
		executions:        executions,
		supervisor:        sup,
		scriptInterpreter: scriptInterpreter,
		hostVersion:       hostVersion,
		clock:             time.Now,
	}
}

// Execute is the single-phase shortcut: equivalent to apply of a fresh
// prepare→apply with confirmation skipped, materialised directly as
// phase=Apply with no preview plan available.
func (o *Orchestrator) Execute(ctx context.Context, pluginID string, params map[string]interface{}) (*models.Execution, error) {
	plugin, err := o.loadRunnablePlugin(pluginID)
	if err != nil {
		return nil, err
	}

	resolved, err := param.Resolve(plugin.Parameters, params)
	if err != nil {
		return nil, err
	}

	execution, err := o.executions.Create(pluginID, models.PhaseApply, o.clock().UnixMilli())
	if err != nil {
		return nil, err
	}

	extraEnv, err := buildEnv(phaseValueApply, resolved, "")
	if err != nil {
		return nil, err
	}

	if err := o.spawn(ctx, execution, plugin, extraEnv, models.StatusCompleted, true); err != nil {
		return nil, err
	}
	return execution, nil
}

// Prepare runs a plugin in preview mode: its output becomes the stored
// plan and a confirm token is minted for a subsequent Apply.
func (o *Orchestrator) Prepare(ctx context.Context, pluginID string, params map[string]interface{}) (*models.Execution, error) {
	plugin, err := o.loadRunnablePlugin(pluginID)
	if err != nil {
		return nil, err
	}

	resolved, err := param.Resolve(plugin.Parameters, params)
	if err != nil {
		return nil, err
	}

	execution, err := o.executions.Create(pluginID, models.PhasePrepare, o.clock().UnixMilli())
	if err != nil {
		return nil, err
	}

	extraEnv, err := buildEnv(phaseValuePrepare, resolved, "")
	if err != nil {
		return nil, err
	}

	if err := o.spawn(ctx, execution, plugin, extraEnv, models.StatusPreviewReady, false); err != nil {
		return nil, err
	}
	return execution, nil
}

// Apply confirms a PreviewReady execution and runs the plugin a second
// time with ATOM_PHASE=apply, carrying the prepared plan forward.
func (o *Orchestrator) Apply(ctx context.Context, executionID, confirmToken string, params map[string]interface{}) (*models.Execution, error) {
	execution, err := o.executions.Get(executionID)
	if err != nil {
		return nil, err
	}
	if execution.Phase != models.PhasePrepare {
		return nil, apperr.Validation("execution %s is not in the prepare phase", executionID)
	}

	plugin, err := o.loadRunnablePlugin(execution.PluginID)
	if err != nil {
		return nil, err
	}

	resolved, err := param.Resolve(plugin.Parameters, params)
	if err != nil {
		return nil, err
	}

	previewPlan := ""
	if execution.PreviewPayload != nil {
		previewPlan = *execution.PreviewPayload
	}

	now := o.clock().UnixMilli()
	if err := o.executions.BeginApply(executionID, confirmToken, now); err != nil {
		return nil, err
	}

	execution, err = o.executions.Get(executionID)
	if err != nil {
		return nil, err
	}

	extraEnv, err := buildEnv(phaseValueApply, resolved, previewPlan)
	if err != nil {
		return nil, err
	}

	if err := o.spawn(ctx, execution, plugin, extraEnv, models.StatusCompleted, true); err != nil {
		return nil, err
	}
	return execution, nil
}

// Stop marks a running execution Stopped. The already-running child is
// not signalled; a future extension may add that (spec.md §5).
func (o *Orchestrator) Stop(executionID string) error {
	return o.executions.UpdateStatus(executionID, models.StatusStopped)
}

// Get fetches a single execution.
func (o *Orchestrator) Get(executionID string) (*models.Execution, error) {
	return o.executions.Get(executionID)
}

// List returns executions, optionally filtered by plugin id.
func (o *Orchestrator) List(pluginID string) ([]*models.Execution, error) {
	if pluginID == "" {
		return o.executions.ListAll()
	}
	return o.executions.ListByPlugin(pluginID)
}

// WaitForStates polls executionID at 100ms intervals until its status
// is one of targets or timeout elapses, returning the execution as
// last observed either way; timing out is not an error.
func (o *Orchestrator) WaitForStates(ctx context.Context, executionID string, targets []models.Status, timeout time.Duration) (*models.Execution, error) {
	deadline := o.clock().Add(timeout)
	for {
		execution, err := o.executions.Get(executionID)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			if execution.Status == target {
				return execution, nil
			}
		}
		if !o.clock().Before(deadline) {
			return execution, nil
		}

		select {
		case <-ctx.Done():
			return execution, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) loadRunnablePlugin(pluginID string) (*models.Plugin, error) {
	plugin, err := o.plugins.Get(pluginID)
	if err != nil {
		return nil, err
	}
	if !plugin.Enabled {
		return nil, apperr.Disabled("plugin %s is disabled", pluginID)
	}
	if err := o.enforceMinHostVersion(plugin); err != nil {
		return nil, err
	}
	return plugin, nil
}

func (o *Orchestrator) enforceMinHostVersion(plugin *models.Plugin) error {
	if plugin.MinHostVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(plugin.MinHostVersion)
	if err != nil {
		return apperr.Validation("plugin %s has an invalid min_host_version constraint: %v", plugin.PluginID, err)
	}
	host, err := semver.NewVersion(o.hostVersion)
	if err != nil {
		return apperr.Validation("daemon host version %q is not valid semver: %v", o.hostVersion, err)
	}
	if !constraint.Check(host) {
		return apperr.Validation("plugin %s requires host version %s, daemon is %s", plugin.PluginID, plugin.MinHostVersion, o.hostVersion)
	}
	return nil
}

func (o *Orchestrator) spawn(ctx context.Context, execution *models.Execution, plugin *models.Plugin, extraEnv map[string]string, successStatus models.Status, cleanupOnSuccess bool) error {
	plan, err := runtime.Build(plugin, o.scriptInterpreter)
	if err != nil {
		return err
	}
	return o.supervisor.Spawn(ctx, supervisor.SpawnParams{
		Execution:        execution,
		Plugin:           plugin,
		Plan:             plan,
		ExtraEnv:         extraEnv,
		SuccessStatus:    successStatus,
		CleanupOnSuccess: cleanupOnSuccess,
	})
}

func buildEnv(phase string, resolvedParams map[string]interface{}, previewPlan string) (map[string]string, error) {
	env := map[string]string{envPhase: phase}

	if len(resolvedParams) > 0 {
		data, err := json.Marshal(resolvedParams)
		if err != nil {
			return nil, apperr.Validation("failed to serialise parameters: %v", err)
		}
		env[envPluginParams] = string(data)
	}

	if previewPlan != "" {
		env[envPreviewPlan] = previewPlan
	}

	return env, nil
}
