package apflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

type PluginPriority int

const (
	PriorityLow    PluginPriority = 0
	PriorityNormal PluginPriority = 50
	PriorityHigh   PluginPriority = 100
)

// Plugin observes workflow lifecycle events. Instances passed to hooks are copies.
type Plugin interface {
	// Name returns unique plugin identifier
	Name() string

	// Priority determines execution order (higher = earlier)
	Priority() PluginPriority

	OnWorkflowStart(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowPaused(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowResumed(ctx context.Context, instance *WorkflowInstance, decision Decision) error
	OnWorkflowComplete(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowFailed(ctx context.Context, instance *WorkflowInstance) error
	OnStageStart(ctx context.Context, instance *WorkflowInstance, stage Stage) error
	OnStageComplete(ctx context.Context, instance *WorkflowInstance, stage Stage) error
	OnStageFailed(ctx context.Context, instance *WorkflowInstance, stage Stage, err error) error
}

// BasePlugin provides default no-op implementations
type BasePlugin struct {
	name     string
	priority PluginPriority
}

func NewBasePlugin(name string, priority PluginPriority) BasePlugin {
	return BasePlugin{name: name, priority: priority}
}

func (p BasePlugin) Name() string             { return p.name }
func (p BasePlugin) Priority() PluginPriority { return p.priority }
func (p BasePlugin) OnWorkflowStart(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowPaused(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowResumed(context.Context, *WorkflowInstance, Decision) error {
	return nil
}
func (p BasePlugin) OnWorkflowComplete(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowFailed(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnStageStart(context.Context, *WorkflowInstance, Stage) error    { return nil }
func (p BasePlugin) OnStageComplete(context.Context, *WorkflowInstance, Stage) error { return nil }
func (p BasePlugin) OnStageFailed(context.Context, *WorkflowInstance, Stage, error) error {
	return nil
}

// PluginManager fans lifecycle events out to registered plugins. Hook errors are
// logged and never change the workflow outcome.
type PluginManager struct {
	plugins []Plugin
	logger  *slog.Logger
	mu      sync.RWMutex
}

func NewPluginManager() *PluginManager {
	return &PluginManager{
		plugins: make([]Plugin, 0),
		logger:  slog.Default(),
	}
}

func (pm *PluginManager) SetLogger(logger *slog.Logger) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.logger = logger
}

func (pm *PluginManager) Register(plugin Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.plugins = append(pm.plugins, plugin)

	sort.SliceStable(pm.plugins, func(i, j int) bool {
		return pm.plugins[i].Priority() > pm.plugins[j].Priority()
	})
}

func (pm *PluginManager) Plugins() []Plugin {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return append([]Plugin(nil), pm.plugins...)
}

func (pm *PluginManager) ExecuteWorkflowStart(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow start", func(plugin Plugin) error {
		return plugin.OnWorkflowStart(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteWorkflowPaused(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow paused", func(plugin Plugin) error {
		return plugin.OnWorkflowPaused(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteWorkflowResumed(ctx context.Context, instance *WorkflowInstance, decision Decision) {
	pm.each("workflow resumed", func(plugin Plugin) error {
		return plugin.OnWorkflowResumed(ctx, instance, decision)
	})
}

func (pm *PluginManager) ExecuteWorkflowComplete(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow complete", func(plugin Plugin) error {
		return plugin.OnWorkflowComplete(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteWorkflowFailed(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow failed", func(plugin Plugin) error {
		return plugin.OnWorkflowFailed(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteStageStart(ctx context.Context, instance *WorkflowInstance, stage Stage) {
	pm.each("stage start", func(plugin Plugin) error {
		return plugin.OnStageStart(ctx, instance, stage)
	})
}

func (pm *PluginManager) ExecuteStageComplete(ctx context.Context, instance *WorkflowInstance, stage Stage) {
	pm.each("stage complete", func(plugin Plugin) error {
		return plugin.OnStageComplete(ctx, instance, stage)
	})
}

func (pm *PluginManager) ExecuteStageFailed(ctx context.Context, instance *WorkflowInstance, stage Stage, err error) {
	pm.each("stage failed", func(plugin Plugin) error {
		return plugin.OnStageFailed(ctx, instance, stage, err)
	})
}

func (pm *PluginManager) each(hook string, fn func(plugin Plugin) error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := safeHook(plugin, fn); err != nil {
			pm.logger.Error("[apflow] plugin error on "+hook, KeyPlugin, plugin.Name(), KeyError, err)
		}
	}
}

func safeHook(plugin Plugin, fn func(plugin Plugin) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()

	return fn(plugin)
}
