package graph

import "fmt"

type ChangeKind int

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ChangeEntry is one uri in a ChangeLog.
type ChangeEntry struct {
	URI  string
	Kind ChangeKind
}

// ChangeLog is an insertion-ordered map of uri to change kind. The first kind
// recorded for a uri wins, except that RecordRemoval turns an update into a
// delete.
type ChangeLog struct {
	order []string
	kinds map[string]ChangeKind
}

func NewChangeLog() *ChangeLog {
	return &ChangeLog{kinds: make(map[string]ChangeKind)}
}

// Record adds uri with kind unless uri is already present. It reports whether
// the entry was inserted.
func (l *ChangeLog) Record(uri string, kind ChangeKind) bool {
	if _, ok := l.kinds[uri]; ok {
		return false
	}
	l.kinds[uri] = kind
	l.order = append(l.order, uri)
	return true
}

// RecordRemoval records that uri no longer exists at the end of the
// transaction. An earlier update becomes a delete; an earlier create is kept
// since nothing was persisted for it yet.
func (l *ChangeLog) RecordRemoval(uri string) {
	switch l.kinds[uri] {
	case ChangeCreate, ChangeDelete:
	case ChangeUpdate:
		l.kinds[uri] = ChangeDelete
	default:
		l.Record(uri, ChangeDelete)
	}
}

func (l *ChangeLog) Get(uri string) (ChangeKind, bool) {
	k, ok := l.kinds[uri]
	return k, ok
}

func (l *ChangeLog) Contains(uri string) bool {
	_, ok := l.kinds[uri]
	return ok
}

func (l *ChangeLog) Len() int { return len(l.order) }

// Entries returns the log in insertion order.
func (l *ChangeLog) Entries() []ChangeEntry {
	out := make([]ChangeEntry, 0, len(l.order))
	for _, uri := range l.order {
		out = append(out, ChangeEntry{URI: uri, Kind: l.kinds[uri]})
	}
	return out
}

// OfKind returns the uris recorded with kind, in insertion order.
func (l *ChangeLog) OfKind(kind ChangeKind) []string {
	var out []string
	for _, uri := range l.order {
		if l.kinds[uri] == kind {
			out = append(out, uri)
		}
	}
	return out
}
