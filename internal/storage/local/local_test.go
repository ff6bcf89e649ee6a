package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/storage"
)

func newTestLister(t *testing.T, namespace string) (*Lister, string) {
	t.Helper()
	root := t.TempDir()
	l, err := New(Config{RootPath: root, Namespace: namespace}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return l, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListMapsNamespace(t *testing.T) {
	l, root := newTestLister(t, "/zone/home")
	os.Mkdir(filepath.Join(root, "sub"), 0755)
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, ".hidden"), "x")

	entries, err := l.List(context.Background(), "/zone/home")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), entries)
	}

	byName := map[string]bool{}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			t.Errorf("invalid entry: %v", err)
		}
		byName[e.Name] = e.IsDir
		if e.Name == "a.txt" {
			if e.Path != "/zone/home/a.txt" {
				t.Errorf("expected namespace path, got %s", e.Path)
			}
			if e.Size != 5 {
				t.Errorf("expected size 5, got %d", e.Size)
			}
			if len(e.Checksum) != 64 {
				t.Errorf("expected 64 hex chars, got %q", e.Checksum)
			}
		}
	}
	if isDir, ok := byName["sub"]; !ok || !isDir {
		t.Error("expected directory sub")
	}
}

func TestListChecksumTracksContent(t *testing.T) {
	l, root := newTestLister(t, "/")
	p := filepath.Join(root, "f")
	writeFile(t, p, "one")

	first, _ := l.List(context.Background(), "/")
	writeFile(t, p, "two!")
	os.Chtimes(p, time.Now(), time.Now().Add(time.Second))
	second, _ := l.List(context.Background(), "/")

	if first[0].Checksum == second[0].Checksum {
		t.Error("checksum should change with content")
	}
	if !first[0].Changed(second[0]) {
		t.Error("entries should differ")
	}
}

func TestChecksumCacheKeepsOneEntryPerFile(t *testing.T) {
	l, root := newTestLister(t, "/")
	p := filepath.Join(root, "f")
	base := time.Now().Add(-time.Hour)

	var last string
	for i, content := range []string{"a", "bb", "ccc", "dddd"} {
		writeFile(t, p, content)
		os.Chtimes(p, base, base.Add(time.Duration(i)*time.Second))
		entries, err := l.List(context.Background(), "/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if entries[0].Checksum == last {
			t.Errorf("rewrite %d kept checksum %s", i, last)
		}
		last = entries[0].Checksum
	}

	l.mu.Lock()
	n := len(l.sums)
	cached := l.sums[p]
	l.mu.Unlock()
	if n != 1 {
		t.Errorf("expected one cached digest, got %d", n)
	}
	if cached.sum != last || cached.size != 4 {
		t.Errorf("cache holds %+v, want latest digest %s", cached, last)
	}
}

func TestListNotFound(t *testing.T) {
	l, _ := newTestLister(t, "/zone")

	tests := []string{"/zone/missing", "/other"}
	for _, p := range tests {
		if _, err := l.List(context.Background(), p); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("List(%s): expected ErrNotFound, got %v", p, err)
		}
	}
}

func TestConnectMissingRoot(t *testing.T) {
	l, err := New(Config{RootPath: filepath.Join(t.TempDir(), "nope")}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Connect(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestNewFromJSON(t *testing.T) {
	if _, err := NewFromJSON([]byte(`{"namespace":"/x"}`), zap.NewNop()); err == nil {
		t.Error("expected error without root_path")
	}
	l, err := NewFromJSON([]byte(`{"root_path":"/tmp","namespace":"/x/"}`), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if l.namespace != "/x" {
		t.Errorf("expected cleaned namespace /x, got %s", l.namespace)
	}
}
