package graph

import (
	"context"
	"errors"
	"path"
	"strings"
	"weak"
)

// Compiler performs the type-specific validation of a unit. Compile may call
// Unit.Link for every dependency it resolves and must be safe to run
// concurrently for distinct units. It must not validate other units; that
// belongs in PostValidate.
type Compiler interface {
	Compile(ctx context.Context, u *Unit) error
}

// PostValidator is implemented by compilers that validate dependencies
// themselves once the unit's own compile has finished. Compilers without it
// get every referenced unit validated in turn.
type PostValidator interface {
	PostValidate(ctx context.Context, u *Unit) error
}

// CompilerSet picks the compiler for a kind.
type CompilerSet interface {
	CompilerFor(k Kind) Compiler
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, u *Unit) error

func (f CompilerFunc) Compile(ctx context.Context, u *Unit) error { return f(ctx, u) }

type acceptAll struct{}

func (acceptAll) CompilerFor(Kind) Compiler {
	return CompilerFunc(func(context.Context, *Unit) error { return nil })
}

var errValidateDuringCompile = errors.New("dependencies can only be validated after compile")

type unitPhase int

const (
	phaseCompile unitPhase = iota
	phasePost
)

// Unit is the view of a node handed to a Compiler.
type Unit struct {
	fs    *FileSystem
	node  *Node
	phase unitPhase
}

func (u *Unit) Node() *Node   { return u.node }
func (u *Unit) URI() string   { return u.node.uri }
func (u *Unit) Kind() Kind    { return u.node.kind }
func (u *Unit) Catalog() bool { return u.fs.inCatalog(u.node.uri) }

func (u *Unit) Content(ctx context.Context) ([]byte, error) {
	return u.node.Content(ctx)
}

// Link resolves ref relative to the unit, records the dependency and returns
// the target node.
func (u *Unit) Link(ctx context.Context, ref string) (*Node, error) {
	target, err := u.fs.mutable(ResolveURI(u.node.uri, ref))
	if err != nil {
		return nil, err
	}
	u.node.AddReference(target)
	return target, nil
}

// Dependencies returns the nodes the unit currently references.
func (u *Unit) Dependencies() ([]*Node, error) {
	uris := u.node.Referenced()
	out := make([]*Node, 0, len(uris))
	for _, uri := range uris {
		n, err := u.fs.mutable(uri)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ValidateDependency validates dep on behalf of the unit. It is only allowed
// from PostValidate.
func (u *Unit) ValidateDependency(ctx context.Context, dep *Node) error {
	if u.phase != phasePost {
		return errValidateDuringCompile
	}
	return u.fs.validate(ctx, dep)
}

// Resolver returns a weak handle that resolves references on behalf of the
// unit. It can be handed to parsers that outlive the compile call.
func (u *Unit) Resolver() *Resolver {
	return &Resolver{
		node: weak.Make(u.node),
		fs:   weak.Make(u.fs),
	}
}

// Resolver resolves and links references for a node without keeping the node
// or its graph alive.
type Resolver struct {
	node weak.Pointer[Node]
	fs   weak.Pointer[FileSystem]
}

// Resolve links ref from the owning node. It fails with ErrResolverReclaimed
// once the node or graph is gone.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Node, error) {
	n := r.node.Value()
	fs := r.fs.Value()
	if n == nil || fs == nil {
		return nil, ErrResolverReclaimed
	}
	u := &Unit{fs: fs, node: n}
	return u.Link(ctx, ref)
}

// ResolveURI resolves ref against the directory of base. Absolute refs are
// only cleaned.
func ResolveURI(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "/") {
		return CleanURI(ref)
	}
	return CleanURI(path.Join(path.Dir(base), ref))
}
