package maildoc

import (
	"context"
	"errors"
	"log/slog"
)

// Plugin defines the interface for adaptor extensions.
// Plugins can hook into message creation and deletion for spam
// filtering, full-text indexing or auditing.
//
// For observing other operations use the event system instead
// (Events().MessageUpdated, Events().MessageCopied, ...).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when the adaptor connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when the adaptor closes.
	Close(ctx context.Context) error
}

// CreateHook is called before/after a message is created in a mailbox.
type CreateHook interface {
	Plugin
	// BeforeCreate is called before any document is written. Return an
	// error to abort.
	BeforeCreate(ctx context.Context, msg MessageWrapper) error
	// AfterCreate is called once the Flags Document is durable. Errors are
	// logged; the message stays created.
	AfterCreate(ctx context.Context, msg MessageWrapper) error
}

// DeleteHook is called before/after a message is deleted from a mailbox.
type DeleteHook interface {
	Plugin
	// BeforeDelete is called before the Flags Document is removed. Return
	// an error to abort.
	BeforeDelete(ctx context.Context, msg MessageWrapper) error
	// AfterDelete is called after the delete. Errors are logged.
	AfterDelete(ctx context.Context, msg MessageWrapper) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all    []Plugin
	create []CreateHook
	delete []DeleteHook
	logger *slog.Logger
}

// newPluginRegistry creates a new plugin registry.
func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

// register adds a plugin to the registry.
func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(CreateHook); ok {
		r.create = append(r.create, h)
	}
	if h, ok := p.(DeleteHook); ok {
		r.delete = append(r.delete, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Hook execution helpers

func (r *pluginRegistry) beforeCreate(ctx context.Context, msg MessageWrapper) error {
	for _, h := range r.create {
		if err := h.BeforeCreate(ctx, msg); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeCreate", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) afterCreate(ctx context.Context, msg MessageWrapper) {
	for _, h := range r.create {
		if err := h.AfterCreate(ctx, msg); err != nil {
			r.logger.Warn("plugin AfterCreate failed", "plugin", h.Name(), "error", err)
		}
	}
}

func (r *pluginRegistry) beforeDelete(ctx context.Context, msg MessageWrapper) error {
	for _, h := range r.delete {
		if err := h.BeforeDelete(ctx, msg); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeDelete", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) afterDelete(ctx context.Context, msg MessageWrapper) {
	for _, h := range r.delete {
		if err := h.AfterDelete(ctx, msg); err != nil {
			r.logger.Warn("plugin AfterDelete failed", "plugin", h.Name(), "error", err)
		}
	}
}
