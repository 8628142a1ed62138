package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"confgraph/internal/graph"
)

// DirStore keeps artifacts as plain files below a root directory. The uri of
// an artifact is its slash separated path relative to the root.
type DirStore struct {
	root   string
	logger *slog.Logger
}

func NewDirStore(root string) (*DirStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("dir store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}
	return &DirStore{
		root:   abs,
		logger: slog.Default().With("component", "store.DirStore"),
	}, nil
}

func (s *DirStore) Root() string { return s.root }

func (s *DirStore) path(uri string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(graph.CleanURI(uri), "/")))
}

func (s *DirStore) uri(path string) (string, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return graph.CleanURI(filepath.ToSlash(rel)), true
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func (s *DirStore) Load(_ context.Context) ([]graph.Record, error) {
	var records []graph.Record
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != s.root && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		uri, ok := s.uri(path)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		records = append(records, graph.Record{URI: uri, Content: content, Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}
	return records, nil
}

func (s *DirStore) ReloadContent(_ context.Context, uri string) ([]byte, error) {
	content, err := os.ReadFile(s.path(uri))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &graph.NotFoundError{URI: uri}
	}
	return content, err
}

// WriteBackChanges writes each file through a temporary sibling and a rename.
// Directories left empty by a delete are removed.
func (s *DirStore) WriteBackChanges(_ context.Context, changes []graph.Change) error {
	for _, c := range changes {
		path := s.path(c.URI)
		if c.Kind == graph.ChangeDelete {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("delete %s: %w", c.URI, err)
			}
			s.pruneEmpty(filepath.Dir(path))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("%s %s: %w", c.Kind, c.URI, err)
		}
		tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
		if err := os.WriteFile(tmp, c.Content, 0o644); err != nil {
			return fmt.Errorf("%s %s: %w", c.Kind, c.URI, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("%s %s: %w", c.Kind, c.URI, err)
		}
		if !c.Modified.IsZero() {
			_ = os.Chtimes(path, c.Modified, c.Modified)
		}
	}
	return nil
}

func (s *DirStore) pruneEmpty(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// FileEvent is a debounced change below the store root. Content is nil for
// removals.
type FileEvent struct {
	URI     string
	Removed bool
	Content []byte
}

// Watch reports changes below the root to handler in debounced batches until
// ctx is done. Each uri appears at most once per batch with its latest state.
func (s *DirStore) Watch(ctx context.Context, debounce time.Duration, handler func([]FileEvent)) error {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := s.addRecursive(watcher, s.root); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	var order []string
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(order) > 0 {
			events := s.resolve(order)
			if len(events) > 0 {
				handler(events)
			}
			order = order[:0]
			clear(pending)
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "error", err)
		case event, ok := <-watcher.Events:
			if !ok {
				flush()
				return nil
			}
			if hidden(filepath.Base(event.Name)) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.addRecursive(watcher, event.Name); err != nil {
					s.logger.Warn("watch directory", "path", event.Name, "error", err)
				}
				s.queueTree(event.Name, pending, &order)
			} else if _, ok := pending[event.Name]; !ok {
				pending[event.Name] = struct{}{}
				order = append(order, event.Name)
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

func (s *DirStore) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != s.root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// queueTree queues files that appeared inside a new directory before it was
// watched.
func (s *DirStore) queueTree(dir string, pending map[string]struct{}, order *[]string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || hidden(d.Name()) {
			return nil
		}
		if _, ok := pending[path]; !ok {
			pending[path] = struct{}{}
			*order = append(*order, path)
		}
		return nil
	})
}

// resolve turns queued paths into events by looking at what is on disk now.
func (s *DirStore) resolve(paths []string) []FileEvent {
	events := make([]FileEvent, 0, len(paths))
	for _, path := range paths {
		uri, ok := s.uri(path)
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			events = append(events, FileEvent{URI: uri, Removed: true})
		case err != nil:
			s.logger.Warn("stat changed file", "path", path, "error", err)
		case info.IsDir():
		default:
			content, err := os.ReadFile(path)
			if err != nil {
				s.logger.Warn("read changed file", "path", path, "error", err)
				continue
			}
			events = append(events, FileEvent{URI: uri, Content: content})
		}
	}
	return events
}
