package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/metrics"
)

// Tree is a directory listing keyed by entry name in listing order.
// A nil *Tree is a file leaf and serializes as JSON null.
type Tree struct {
	*orderedmap.OrderedMap[string, *Tree]
}

// NewTree returns an empty directory node.
func NewTree() *Tree {
	return &Tree{orderedmap.New[string, *Tree]()}
}

// IsLeaf reports whether t is a file leaf.
func (t *Tree) IsLeaf() bool {
	return t == nil
}

// Names returns the entry names in listing order.
func (t *Tree) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, t.Len())
	for pair := t.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// EntryKind classifies a listing entry.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDir
	EntrySymlink
)

// Entry is one parsed line of a long-format listing.
type Entry struct {
	Name string
	Kind EntryKind
}

// TreeBuilder turns recursive directory listings into a Tree.
type TreeBuilder struct {
	exec    *Executor
	metrics *metrics.Collector
}

// NewTreeBuilder creates a tree builder on top of exec.
func NewTreeBuilder(exec *Executor, m *metrics.Collector) *TreeBuilder {
	return &TreeBuilder{exec: exec, metrics: m}
}

// Build lists dir inside the container and recurses into subdirectories,
// one round trip per directory. Symlinks are recorded as leaves and never
// followed. Any failed listing fails the whole build.
func (b *TreeBuilder) Build(ctx context.Context, containerID, dir string) (*Tree, error) {
	tree, err := b.build(ctx, containerID, dir)
	b.metrics.ObserveTree(err)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func (b *TreeBuilder) build(ctx context.Context, containerID, dir string) (*Tree, error) {
	out, err := b.exec.ExecArgs(ctx, containerID, []string{"ls", "-lA", dir})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	tree := NewTree()
	for _, entry := range ParseListing(out) {
		if entry.Kind != EntryDir {
			tree.Set(entry.Name, nil)
			continue
		}
		sub, err := b.build(ctx, containerID, path.Join(dir, entry.Name))
		if err != nil {
			return nil, err
		}
		tree.Set(entry.Name, sub)
	}
	return tree, nil
}

// ParseListing parses `ls -l` output. Only directories, regular files and
// symlinks are returned; the current and parent directory entries, the
// "total" line and anything that is not a listing row are skipped.
func ParseListing(out string) []Entry {
	out = strings.Map(func(r rune) rune {
		if r == '\n' || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, out)

	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) < 2 || !isModeField(fields[0]) {
			continue
		}

		var kind EntryKind
		switch fields[0][0] {
		case 'd':
			kind = EntryDir
		case '-':
			kind = EntryFile
		case 'l':
			kind = EntrySymlink
		default:
			continue
		}

		name := fields[len(fields)-1]
		if len(fields) > 8 {
			name = fieldTail(line, 8)
		}
		if kind == EntrySymlink {
			if i := strings.Index(name, " -> "); i >= 0 {
				name = name[:i]
			}
		}
		if name == "" || name == "." || name == ".." {
			continue
		}
		entries = append(entries, Entry{Name: name, Kind: kind})
	}
	return entries
}

// isModeField reports whether s looks like a long-listing mode string such
// as "drwxr-xr-x" or "-rw-r--r--@".
func isModeField(s string) bool {
	if len(s) < 10 {
		return false
	}
	for _, r := range s[1:10] {
		if !strings.ContainsRune("rwxsStTl-", r) {
			return false
		}
	}
	return true
}

// fieldTail returns line with its first n whitespace-separated fields removed,
// preserving spacing inside the remainder.
func fieldTail(line string, n int) string {
	rest := line
	for i := 0; i < n; i++ {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		rest = rest[end:]
	}
	return strings.TrimLeftFunc(rest, unicode.IsSpace)
}
