package apflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlugin struct {
	BasePlugin
	calls *[]string
	fail  error
	boom  bool
}

func (p *orderPlugin) OnWorkflowStart(context.Context, *WorkflowInstance) error {
	*p.calls = append(*p.calls, p.Name())
	if p.boom {
		panic("hook exploded")
	}

	return p.fail
}

func TestPluginManager_RunsByPriority(t *testing.T) {
	var calls []string
	pm := NewPluginManager()
	pm.Register(&orderPlugin{BasePlugin: NewBasePlugin("low", PriorityLow), calls: &calls})
	pm.Register(&orderPlugin{BasePlugin: NewBasePlugin("high", PriorityHigh), calls: &calls})
	pm.Register(&orderPlugin{BasePlugin: NewBasePlugin("normal-a", PriorityNormal), calls: &calls})
	pm.Register(&orderPlugin{BasePlugin: NewBasePlugin("normal-b", PriorityNormal), calls: &calls})

	pm.ExecuteWorkflowStart(context.Background(), &WorkflowInstance{ID: "inv_1"})

	assert.Equal(t, []string{"high", "normal-a", "normal-b", "low"}, calls)
	assert.Len(t, pm.Plugins(), 4)
}

func TestPluginManager_HookFailuresAreContained(t *testing.T) {
	var (
		calls []string
		buf   bytes.Buffer
	)
	pm := NewPluginManager()
	pm.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	pm.Register(&orderPlugin{BasePlugin: NewBasePlugin("panics", PriorityHigh), calls: &calls, boom: true})
	pm.Register(&orderPlugin{
		BasePlugin: NewBasePlugin("errors", PriorityNormal),
		calls:      &calls,
		fail:       errors.New("sink offline"),
	})
	pm.Register(&orderPlugin{BasePlugin: NewBasePlugin("ok", PriorityLow), calls: &calls})

	require.NotPanics(t, func() {
		pm.ExecuteWorkflowStart(context.Background(), &WorkflowInstance{ID: "inv_1"})
	})

	assert.Equal(t, []string{"panics", "errors", "ok"}, calls)
	assert.Contains(t, buf.String(), "plugin panic: hook exploded")
	assert.Contains(t, buf.String(), "sink offline")
}

func TestBasePlugin_Noops(t *testing.T) {
	plugin := NewBasePlugin("base", PriorityNormal)
	ctx := context.Background()
	instance := &WorkflowInstance{ID: "inv_1"}

	assert.Equal(t, "base", plugin.Name())
	assert.Equal(t, PriorityNormal, plugin.Priority())
	assert.NoError(t, plugin.OnWorkflowStart(ctx, instance))
	assert.NoError(t, plugin.OnWorkflowPaused(ctx, instance))
	assert.NoError(t, plugin.OnWorkflowResumed(ctx, instance, Decision{}))
	assert.NoError(t, plugin.OnWorkflowComplete(ctx, instance))
	assert.NoError(t, plugin.OnWorkflowFailed(ctx, instance))
	assert.NoError(t, plugin.OnStageStart(ctx, instance, StageIntake))
	assert.NoError(t, plugin.OnStageComplete(ctx, instance, StageIntake))
	assert.NoError(t, plugin.OnStageFailed(ctx, instance, StageIntake, errors.New("x")))
}
