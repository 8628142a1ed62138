package compiler

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"confgraph/internal/graph"
)

const xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

// referenceAttrs are the attributes whose values name other artifacts.
var referenceAttrs = map[string]struct{}{
	"schemaLocation": {},
	"location":       {},
	"href":           {},
	"resource":       {},
}

// XMLCompiler links the artifacts an XML document refers to through
// schemaLocation, location, href and resource attributes. Schema reference
// lists are shared through a GrammarPool when one is configured.
type XMLCompiler struct {
	grammars *GrammarPool
}

func NewXMLCompiler(grammars *GrammarPool) *XMLCompiler {
	return &XMLCompiler{grammars: grammars}
}

func (c *XMLCompiler) Compile(ctx context.Context, u *graph.Unit) error {
	raw, err := u.Content(ctx)
	if err != nil {
		return err
	}
	produce := func() ([]Ref, error) { return ScanXMLRefs(raw) }

	var refs []Ref
	if c.grammars != nil && u.Kind() == graph.KindSchema {
		refs, err = c.grammars.Refs(ctx, u.URI(), u.Node().Fingerprint(), produce)
	} else {
		refs, err = produce()
	}
	if err != nil {
		return err
	}

	resolver := u.Resolver()
	for _, ref := range refs {
		if _, err := resolver.Resolve(ctx, ref.Target); err != nil {
			return graph.AtLine(ref.Line, fmt.Errorf("resolve %q: %w", ref.Target, err))
		}
	}
	return nil
}

// ScanXMLRefs returns the local references of an XML document in document
// order. Absolute URLs and URNs are external and skipped.
func ScanXMLRefs(raw []byte) ([]Ref, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var refs []Ref
	seen := make(map[string]struct{})
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return refs, nil
		}
		if err != nil {
			line, _ := dec.InputPos()
			return nil, graph.AtLine(line, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		line, _ := dec.InputPos()
		for _, attr := range start.Attr {
			if _, ok := referenceAttrs[attr.Name.Local]; !ok {
				continue
			}
			for _, target := range attrTargets(attr) {
				if external(target) {
					continue
				}
				if _, dup := seen[target]; dup {
					continue
				}
				seen[target] = struct{}{}
				refs = append(refs, Ref{Target: target, Line: line})
			}
		}
	}
}

// attrTargets splits xsi:schemaLocation into its location halves.
func attrTargets(attr xml.Attr) []string {
	fields := strings.Fields(attr.Value)
	if attr.Name.Space != xsiNamespace || attr.Name.Local != "schemaLocation" {
		return fields
	}
	var out []string
	for i := 1; i < len(fields); i += 2 {
		out = append(out, fields[i])
	}
	return out
}

func external(target string) bool {
	return strings.Contains(target, "://") || strings.HasPrefix(target, "urn:") || strings.HasPrefix(target, "#")
}
