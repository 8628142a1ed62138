package compiler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"confgraph/internal/graph"
)

type definitionSchema struct {
	required []string
	positive []string
	// links maps a field to the kind its target must have.
	links map[string]graph.Kind
}

var definitionSchemas = map[graph.Kind]definitionSchema{
	graph.KindPool: {
		required: []string{"name", "maxSize"},
		positive: []string{"maxSize", "minSize"},
	},
	graph.KindDataSource: {
		required: []string{"name", "pool"},
		links:    map[string]graph.Kind{"pool": graph.KindPool},
	},
	graph.KindFactory: {
		required: []string{"name", "class"},
		links:    map[string]graph.Kind{"datasource": graph.KindDataSource},
	},
}

// DefinitionCompiler checks YAML infrastructure definitions (pools,
// datasources and factories) and links the definitions they name.
type DefinitionCompiler struct{}

func (DefinitionCompiler) Compile(ctx context.Context, u *graph.Unit) error {
	schema, ok := definitionSchemas[u.Kind()]
	if !ok {
		return fmt.Errorf("no definition schema for %s", u.Kind())
	}
	raw, err := u.Content(ctx)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return graph.AtLine(1, errors.New("empty definition"))
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return graph.AtLine(root.Line, errors.New("definition must be a mapping"))
	}

	fields := make(map[string]*yaml.Node, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		fields[root.Content[i].Value] = root.Content[i+1]
	}
	for _, name := range schema.required {
		v, ok := fields[name]
		if !ok || v.Value == "" {
			return graph.AtLine(root.Line, fmt.Errorf("missing required field %q", name))
		}
	}
	for _, name := range schema.positive {
		v, ok := fields[name]
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(v.Value); err != nil || n <= 0 {
			return graph.AtLine(v.Line, fmt.Errorf("%s must be a positive integer, got %q", name, v.Value))
		}
	}
	for name, want := range schema.links {
		v, ok := fields[name]
		if !ok {
			continue
		}
		target, err := u.Link(ctx, v.Value)
		if err != nil {
			return graph.AtLine(v.Line, fmt.Errorf("%s %q: %w", name, v.Value, err))
		}
		if target.Kind() != want {
			return graph.AtLine(v.Line, fmt.Errorf("%s %q is a %s, want %s", name, v.Value, target.Kind(), want))
		}
	}
	return nil
}

// PostValidate validates the linked definitions once the unit itself is
// validated.
func (DefinitionCompiler) PostValidate(ctx context.Context, u *graph.Unit) error {
	deps, err := u.Dependencies()
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if err := u.ValidateDependency(ctx, dep); err != nil {
			return fmt.Errorf("%s depends on %s: %w", u.URI(), dep.URI(), err)
		}
	}
	return nil
}
