// Package mirror keeps an in-memory tree of the last known state of a remote
// namespace and derives add/update/remove deltas from fresh directory
// listings. It performs no I/O.
package mirror

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/model"
)

var (
	// ErrNotDirectory is returned when refreshing a path cached as a file.
	ErrNotDirectory = errors.New("not a directory")
	// ErrDuplicateName is returned when a listing names the same child twice.
	ErrDuplicateName = errors.New("duplicate name in listing")
	// ErrForeignEntry is returned when a listing contains an entry that is
	// not a direct child of the refreshed path.
	ErrForeignEntry = errors.New("entry is not a child of the listed path")
)

// node is a mutable tree node owned by the Mirror. parent is a back-pointer
// used only to rebuild ancestry; ownership flows root to leaf.
type node struct {
	entry    model.Entry
	parent   *node
	children map[string]*node // nil for files
	order    []string         // child names in listing order

	listed bool // children were listed at least once
	stale  bool // entry changed since the last listing
}

func newNode(e model.Entry, parent *node) *node {
	n := &node{entry: e, parent: parent}
	if e.IsDir {
		n.children = make(map[string]*node)
	}
	return n
}

func (n *node) needsRefresh() bool {
	return n.entry.IsDir && (!n.listed || n.stale)
}

// Mirror is the in-memory tree cache of the namespace.
type Mirror struct {
	mu     sync.RWMutex
	root   *node
	index  map[string]*node // every known node by path, detached ones included
	logger *zap.Logger
}

// New creates a mirror rooted at rootPath. The root is a directory that is
// never removed.
func New(rootPath string, logger *zap.Logger) *Mirror {
	rootPath = model.CleanPath(rootPath)
	root := newNode(model.Entry{
		Path:  rootPath,
		Name:  baseName(rootPath),
		IsDir: true,
	}, nil)
	return &Mirror{
		root:   root,
		index:  map[string]*node{rootPath: root},
		logger: logging.Named(logger, "mirror"),
	}
}

func baseName(p string) string {
	if p == "/" {
		return "/"
	}
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// RootPath returns the mirrored namespace root.
func (m *Mirror) RootPath() string {
	return m.root.entry.Path
}

// Refresh replaces the cached children of path with fresh and returns the
// resulting delta. The listing is validated first; on error the mirror is
// left untouched. An unknown path is created as a detached node whose
// entries are all reported as added; its ancestors are not created.
func (m *Mirror) Refresh(path string, fresh []model.Entry) (model.Delta, error) {
	path = model.CleanPath(path)
	if err := validateListing(path, fresh); err != nil {
		return model.Delta{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.index[path]
	if !ok {
		n = newNode(model.Entry{Path: path, Name: baseName(path), IsDir: true}, nil)
		m.index[path] = n
		m.logger.Debug("tracking detached path", zap.String("path", path))
	}
	if !n.entry.IsDir {
		return model.Delta{}, fmt.Errorf("refresh %s: %w", path, ErrNotDirectory)
	}

	delta := model.Delta{Path: path, Initial: !n.listed}
	children := make(map[string]*node, len(fresh))
	order := make([]string, 0, len(fresh))
	replaced := make(map[string]bool)

	for _, e := range fresh {
		old, existed := n.children[e.Name]
		switch {
		case !existed:
			children[e.Name] = m.attach(e, n)
			delta.Added = append(delta.Added, e)
		case old.entry.IsDir != e.IsDir:
			// a type change is a removal plus an addition, never an update
			replaced[e.Name] = true
			children[e.Name] = newNode(e, n)
			delta.Added = append(delta.Added, e)
		case old.entry.Changed(e):
			if e.IsDir && old.listed {
				old.stale = true
			}
			old.entry = e
			children[e.Name] = old
			delta.Updated = append(delta.Updated, e)
		default:
			old.entry = e
			children[e.Name] = old
		}
		order = append(order, e.Name)
	}

	for _, name := range n.order {
		old := n.children[name]
		if _, kept := children[name]; kept && !replaced[name] {
			continue
		}
		delta.Removed = append(delta.Removed, old.entry)
		m.drop(old)
	}
	for _, name := range order {
		c := children[name]
		m.index[c.entry.Path] = c
		if c.needsRefresh() {
			delta.Stale = append(delta.Stale, c.entry.Path)
		}
	}

	n.children = children
	n.order = order
	n.listed = true
	n.stale = false

	m.logger.Debug("refreshed",
		zap.String("path", path),
		zap.Int("added", len(delta.Added)),
		zap.Int("updated", len(delta.Updated)),
		zap.Int("removed", len(delta.Removed)),
		zap.Int("stale", len(delta.Stale)),
		zap.Bool("initial", delta.Initial),
	)
	return delta, nil
}

// attach returns the node for a newly listed child. A detached node that was
// refreshed earlier under the same path is adopted together with its subtree.
// A detached node of the other type is forgotten along with everything
// indexed below it.
func (m *Mirror) attach(e model.Entry, parent *node) *node {
	if d, ok := m.index[e.Path]; ok && d.parent == nil && d != m.root {
		if d.entry.IsDir == e.IsDir {
			d.parent = parent
			d.entry = e
			return d
		}
		m.forget(e.Path)
	}
	return newNode(e, parent)
}

// drop removes n and every indexed path below it, detached nodes included.
func (m *Mirror) drop(n *node) {
	m.forget(n.entry.Path)
	n.parent = nil
}

// forget deletes the index entries at or below p. The root is never removed.
func (m *Mirror) forget(p string) {
	for k, n := range m.index {
		if n == m.root || !model.Within(p, k) {
			continue
		}
		n.parent = nil
		delete(m.index, k)
	}
}

func validateListing(path string, fresh []model.Entry) error {
	seen := make(map[string]struct{}, len(fresh))
	for _, e := range fresh {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("refresh %s: %w", path, err)
		}
		if model.ParentPath(e.Path) != path || e.Path == path {
			return fmt.Errorf("refresh %s: %w: %s", path, ErrForeignEntry, e.Path)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("refresh %s: %w: %s", path, ErrDuplicateName, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

// Lookup returns the cached entry for path.
func (m *Mirror) Lookup(path string) (model.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.index[model.CleanPath(path)]
	if !ok {
		return model.Entry{}, false
	}
	return n.entry, true
}

// Children returns the cached children of a listed directory in listing order.
func (m *Mirror) Children(path string) ([]model.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.index[model.CleanPath(path)]
	if !ok || !n.entry.IsDir || !n.listed {
		return nil, false
	}
	out := make([]model.Entry, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name].entry)
	}
	return out, true
}

// Tracked reports whether path is a directory that has been listed.
func (m *Mirror) Tracked(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.index[model.CleanPath(path)]
	return ok && n.entry.IsDir && n.listed
}

// Stale reports whether path is a known directory that needs a listing.
func (m *Mirror) Stale(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.index[model.CleanPath(path)]
	return ok && n.needsRefresh()
}

// NearestTracked returns path itself when it is a listed directory,
// otherwise its deepest listed ancestor.
func (m *Mirror) NearestTracked(path string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for p := model.CleanPath(path); ; p = model.ParentPath(p) {
		if n, ok := m.index[p]; ok && n.entry.IsDir && n.listed {
			return p, true
		}
		if p == "/" {
			return "", false
		}
	}
}

// Len returns the number of known nodes, root included.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

// Walk returns a depth-first pre-order traversal of the tree reachable from
// the root. Each call is independent. A node's children are snapshotted when
// the node is visited; no lock is held while yielding.
func (m *Mirror) Walk() iter.Seq[model.Entry] {
	return func(yield func(model.Entry) bool) {
		m.walk(m.root, yield)
	}
}

func (m *Mirror) walk(n *node, yield func(model.Entry) bool) bool {
	m.mu.RLock()
	entry := n.entry
	kids := make([]*node, 0, len(n.order))
	for _, name := range n.order {
		kids = append(kids, n.children[name])
	}
	m.mu.RUnlock()

	if !yield(entry) {
		return false
	}
	for _, c := range kids {
		if !m.walk(c, yield) {
			return false
		}
	}
	return true
}

// SetRootEntry records the backend's own metadata for the root directory.
func (m *Mirror) SetRootEntry(ctime, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root.entry.CreatedAt = ctime
	m.root.entry.ModifiedAt = mtime
}
