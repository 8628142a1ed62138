package graph

import "fmt"

// TidyOut removes every unit that no service needs. Services, always-live
// kinds and the catalog sub-tree are roots; everything outside the transitive
// closure of their references is detached and deleted, then empty
// directories are pruned. Sweeps are recorded as deletes in the change log.
// It reports whether the root ended up empty.
func (fs *FileSystem) TidyOut() (bool, error) {
	nodes := fs.Nodes()

	live := make(map[string]struct{})
	var stack []string
	for _, n := range nodes {
		if fs.isRoot(n) {
			stack = append(stack, n.uri)
		}
	}
	for len(stack) > 0 {
		uri := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := live[uri]; ok {
			continue
		}
		live[uri] = struct{}{}
		n, err := fs.Lookup(uri)
		if err != nil {
			return false, &InvariantViolationError{URI: uri, Detail: "reachable artifact is missing"}
		}
		for _, ref := range n.Referenced() {
			if _, ok := live[ref]; !ok {
				stack = append(stack, ref)
			}
		}
	}

	orphans := make(map[string]struct{})
	for _, n := range nodes {
		if _, ok := live[n.uri]; ok {
			continue
		}
		owned, err := fs.mutable(n.uri)
		if err != nil {
			return false, err
		}
		if err := fs.detachFromReferenced(owned); err != nil {
			return false, fmt.Errorf("detach orphan: %w", err)
		}
		orphans[n.uri] = struct{}{}
	}

	fs.mu.Lock()
	swept := fs.sweepLocked(fs.root, orphans)
	empty := fs.root.Len() == 0
	fs.swept = swept
	fs.mu.Unlock()

	for _, uri := range swept {
		fs.changes.RecordRemoval(uri)
	}
	fs.logger.Info("tidy out", "swept", len(swept), "live", len(live), "root_empty", empty)
	return empty, nil
}

func (fs *FileSystem) isRoot(n *Node) bool {
	return n.kind.IsService() || n.kind.IsAlwaysLive() || fs.inCatalog(n.uri)
}

// sweepLocked removes orphans below d and directories left empty. The root
// and the catalog directory itself are kept.
func (fs *FileSystem) sweepLocked(d *Directory, orphans map[string]struct{}) []string {
	var swept []string
	for _, child := range d.Children() {
		switch v := child.(type) {
		case *Directory:
			if fs.inCatalog(v.uri) {
				continue
			}
			swept = append(swept, fs.sweepLocked(v, orphans)...)
			if v.Len() == 0 {
				d.remove(v.name)
			}
		case *Node:
			if _, ok := orphans[v.uri]; !ok {
				continue
			}
			d.remove(v.name)
			v.mu.Lock()
			v.state = stateDeleted
			v.mu.Unlock()
			swept = append(swept, v.uri)
		}
	}
	return swept
}
