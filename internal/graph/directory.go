package graph

import (
	"path"
	"sort"
)

// Directory is a named container of nodes and directories.
type Directory struct {
	entry
	children map[string]Entry
}

func newDirectory(name, uri string, parent *Directory) *Directory {
	return &Directory{
		entry:    entry{name: name, uri: uri, parent: parent},
		children: make(map[string]Entry),
	}
}

// Child returns the entry stored under name.
func (d *Directory) Child(name string) (Entry, bool) {
	e, ok := d.children[name]
	return e, ok
}

// Children returns the entries sorted by name.
func (d *Directory) Children() []Entry {
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, d.children[name])
	}
	return out
}

func (d *Directory) Len() int { return len(d.children) }

func (d *Directory) put(e Entry) {
	d.children[e.Name()] = e
}

func (d *Directory) remove(name string) {
	delete(d.children, name)
}

func (d *Directory) childURI(name string) string {
	return path.Join(d.uri, name)
}

// clone copies the directory structure. Leaf nodes are shared with the
// original; each FileSystem clones a leaf lazily the first time it is written.
func (d *Directory) clone(parent *Directory) *Directory {
	c := newDirectory(d.name, d.uri, parent)
	for name, child := range d.children {
		switch v := child.(type) {
		case *Directory:
			c.children[name] = v.clone(c)
		default:
			c.children[name] = v
		}
	}
	return c
}
