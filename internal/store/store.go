// Package store provides the backing stores a graph loads from, reloads
// dehydrated content from and writes its change log back to.
package store

import (
	"strings"

	"confgraph/internal/graph"
)

var (
	_ graph.Store = (*MemoryStore)(nil)
	_ graph.Store = (*PostgresStore)(nil)
	_ graph.Store = (*S3Store)(nil)
	_ graph.Store = (*BadgerStore)(nil)
	_ graph.Store = (*DirStore)(nil)
	_ graph.Store = (*CachedStore)(nil)
)

// DefaultEnvironment partitions stores shared by several deployments.
const DefaultEnvironment = "default"

func environmentOrDefault(env string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		return DefaultEnvironment
	}
	return env
}
