package apflow

import (
	"log/slog"
	"time"
)

type EngineOption func(engine *Engine)

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
			engine.pluginManager.SetLogger(logger)
		}
	}
}

func WithEnginePluginManager(pluginManager *PluginManager) EngineOption {
	return func(engine *Engine) {
		if pluginManager != nil {
			engine.pluginManager = pluginManager
		}
	}
}

// WithEnginePlugins registers plugins on the engine's current plugin manager.
func WithEnginePlugins(plugins ...Plugin) EngineOption {
	return func(engine *Engine) {
		for _, plugin := range plugins {
			engine.pluginManager.Register(plugin)
		}
	}
}

// WithEngineLeaseTTL sets how long a lease survives without renewal.
func WithEngineLeaseTTL(ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		if ttl > 0 {
			engine.leaseTTL = ttl
		}
	}
}

// WithEngineStageTimeout bounds a single stage invocation.
func WithEngineStageTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.stageTimeout = timeout
		}
	}
}

// WithEngineOwner names the lease holder, e.g. a host or worker id.
func WithEngineOwner(owner string) EngineOption {
	return func(engine *Engine) {
		if owner != "" {
			engine.owner = owner
		}
	}
}

func withEngineClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.now = now
	}
}
