// Package persistence defines the shared key-value collaborator used by the state cache.
package persistence

import (
	"context"
	"strings"
)

// Store is a shallow-merge key-value store with pub/sub notifications.
//
// Missing keys read as an empty map. Set merges the provided top-level fields
// into the stored value atomically on the backend.
type Store interface {
	Get(ctx context.Context, key string, scope ...string) (map[string]any, error)
	Set(ctx context.Context, key string, value map[string]any) error
	GetPattern(ctx context.Context, prefix string) (map[string]map[string]any, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Key joins a base key with optional account and schema scopes.
func Key(key string, scope ...string) string {
	parts := make([]string, 0, len(scope)+1)
	parts = append(parts, strings.TrimSpace(key))
	for _, s := range scope {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, ":")
}

func cloneMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
