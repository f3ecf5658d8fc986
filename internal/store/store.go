package store

import (
	"context"

	"github.com/yourorg/reqsniffer/pkg/types"
)

// Settings keys as persisted and reported in change notifications.
const (
	KeyEnabled    = "enabled"
	KeyURLPattern = "urlPattern"
)

// SettingsStore is durable key-value storage for the capture settings with a change feed.
type SettingsStore interface {
	// Get returns the current settings, falling back to defaults for keys never written.
	Get(ctx context.Context) (types.Settings, error)
	// Set writes the non-nil fields of u and returns the resulting settings.
	// Every key whose value changed is reported to watchers.
	Set(ctx context.Context, u types.SettingsUpdate) (types.Settings, error)
	// Watch subscribes to change notifications. The returned func unsubscribes.
	Watch() (<-chan types.SettingsChange, func())

	Close() error
}
