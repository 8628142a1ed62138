// Package compiler holds the per-kind compilers that validate artifacts and
// discover their references.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zip"

	"confgraph/internal/graph"
)

// Registry maps artifact kinds to compilers. Kinds without a compiler are
// accepted as they are.
type Registry struct {
	mu     sync.RWMutex
	byKind map[graph.Kind]graph.Compiler
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[graph.Kind]graph.Compiler)}
}

// Default wires the XML, definition and archive compilers for every kind
// that has one.
func Default(grammars *GrammarPool) *Registry {
	r := NewRegistry()
	xmlc := NewXMLCompiler(grammars)
	for _, k := range []graph.Kind{graph.KindService, graph.KindSchema, graph.KindTransform} {
		r.Register(k, xmlc)
	}
	for _, k := range []graph.Kind{graph.KindPool, graph.KindDataSource, graph.KindFactory} {
		r.Register(k, DefinitionCompiler{})
	}
	r.Register(graph.KindArchive, graph.CompilerFunc(compileArchive))
	return r
}

func (r *Registry) Register(k graph.Kind, c graph.Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[k] = c
}

func (r *Registry) CompilerFor(k graph.Kind) graph.Compiler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byKind[k]; ok {
		return c
	}
	return accept
}

var accept = graph.CompilerFunc(func(context.Context, *graph.Unit) error { return nil })

// compileArchive only checks that the archive can be opened.
func compileArchive(ctx context.Context, u *graph.Unit) error {
	raw, err := u.Content(ctx)
	if err != nil {
		return err
	}
	if _, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw))); err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	return nil
}
