package redis

import (
	"strings"
)

// KeyBuilder builds namespaced Redis keys and channel names.
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build joins namespace, context, entity and attribute with ':'.
// Attribute keeps its case since it carries ids.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := []string{
		kb.namespace,
		kb.context,
		strings.ToLower(entity),
	}

	if attribute != "" {
		parts = append(parts, attribute)
	}

	return strings.Join(parts, ":")
}

// BuildPattern creates a key pattern for PSubscribe or SCAN.
func (kb *KeyBuilder) BuildPattern(entity, pattern string) string {
	if pattern == "" {
		pattern = "*"
	}
	return kb.Build(entity, pattern)
}

// Attribute returns the trailing attribute of a key built for entity, if any.
func (kb *KeyBuilder) Attribute(entity, key string) (string, bool) {
	prefix := kb.Build(entity, "") + ":"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}
