package model

import (
	"errors"
	"testing"
	"time"
)

func TestEntryValidate(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name  string
		entry Entry
		ok    bool
	}{
		{"file", Entry{Path: "/r/b", Name: "b", Size: 10, Checksum: "x", ModifiedAt: now}, true},
		{"dir", Entry{Path: "/r/a", Name: "a", IsDir: true}, true},
		{"root", Entry{Path: "/", Name: "/", IsDir: true}, true},
		{"relative", Entry{Path: "r/b", Name: "b", Checksum: "x"}, false},
		{"unclean", Entry{Path: "/r//b", Name: "b", Checksum: "x"}, false},
		{"name mismatch", Entry{Path: "/r/b", Name: "c", Checksum: "x"}, false},
		{"negative size", Entry{Path: "/r/b", Name: "b", Size: -1, Checksum: "x"}, false},
		{"dir with checksum", Entry{Path: "/r/a", Name: "a", IsDir: true, Checksum: "x"}, false},
		{"file without checksum", Entry{Path: "/r/b", Name: "b"}, false},
	}

	for _, tt := range tests {
		err := tt.entry.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrMalformedEntry) {
			t.Errorf("%s: error %v is not ErrMalformedEntry", tt.name, err)
		}
	}
}

func TestNewFileAndDir(t *testing.T) {
	now := time.Now()

	f, err := NewFile("/r/b", 10, "x", now, now)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if f.Name != "b" || f.IsDir {
		t.Errorf("unexpected file entry %+v", f)
	}

	d, err := NewDir("/r/a", now, now)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if d.Name != "a" || !d.IsDir || d.Checksum != "" {
		t.Errorf("unexpected dir entry %+v", d)
	}

	if _, err := NewFile("/r/c", 1, "", now, now); err == nil {
		t.Error("NewFile without checksum should fail")
	}
}

func TestEntryChanged(t *testing.T) {
	t0 := time.Unix(100, 0)
	base := Entry{Path: "/f", Name: "f", Size: 1, Checksum: "a", ModifiedAt: t0}

	tests := []struct {
		name  string
		other Entry
		want  bool
	}{
		{"same", base, false},
		{"size", Entry{Path: "/f", Name: "f", Size: 2, Checksum: "a", ModifiedAt: t0}, true},
		{"checksum", Entry{Path: "/f", Name: "f", Size: 1, Checksum: "b", ModifiedAt: t0}, true},
		{"mtime", Entry{Path: "/f", Name: "f", Size: 1, Checksum: "a", ModifiedAt: t0.Add(time.Second)}, true},
		{"ctime only", Entry{Path: "/f", Name: "f", Size: 1, Checksum: "a", ModifiedAt: t0, CreatedAt: t0}, false},
		{"same instant other zone", Entry{Path: "/f", Name: "f", Size: 1, Checksum: "a", ModifiedAt: t0.UTC()}, false},
	}
	for _, tt := range tests {
		if got := base.Changed(tt.other); got != tt.want {
			t.Errorf("%s: Changed = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDeltaEmpty(t *testing.T) {
	if !(Delta{Stale: []string{"/a"}, Initial: true}).Empty() {
		t.Error("delta with only stale paths should be empty")
	}
	d := Delta{Removed: []Entry{{Path: "/a", Name: "a", IsDir: true}}}
	if d.Empty() || d.Size() != 1 {
		t.Errorf("Empty=%v Size=%d", d.Empty(), d.Size())
	}
}

func TestAcceptorMatches(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*", "/anything/at/all", true},
		{"/iplant/home/user/*", "/iplant/home/user/a/b.txt", true},
		{"/iplant/home/user/*", "/iplant/home/user", true},
		{"/iplant/home/user/*", "/iplant/home/username", false},
		{"/*", "/", true},
		{"/iplant/home/user/*", "/iplant/home/other/x", false},
		{"/data/?.txt", "/data/a.txt", true},
		{"/data/?.txt", "/data/ab.txt", false},
		{"/a+b/*", "/a+b/c", true},
		{"/a.b/*", "/aXb/c", false},
	}
	for _, tt := range tests {
		a := Acceptor{Kind: AcceptorPath, Pattern: tt.pattern}
		if got := a.Matches(tt.path); got != tt.want {
			t.Errorf("Acceptor(%q).Matches(%q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]Acceptor{
		SubtreeAcceptor("/r"),
		{Kind: "", Pattern: "/extra/?"},
		{Kind: "metadata", Pattern: "*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path string
		want bool
	}{
		{"/r", true},
		{"/r/a/b", true},
		{"/rr", false},
		{"/extra/x", true},
		{"/extra/xy", false},
		{"/other", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.path); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	empty, err := NewMatcher(nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Match("/r") {
		t.Error("empty matcher should reject everything")
	}
}

func TestSubtreeAcceptor(t *testing.T) {
	tests := []struct{ root, want string }{
		{"/iplant/home/user/", "/iplant/home/user/*"},
		{"/r", "/r/*"},
		{"/", "/*"},
	}
	for _, tt := range tests {
		a := SubtreeAcceptor(tt.root)
		if a.Kind != AcceptorPath || a.Pattern != tt.want {
			t.Errorf("SubtreeAcceptor(%q) = %+v, want pattern %q", tt.root, a, tt.want)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	if got := ChildPath("/", "a"); got != "/a" {
		t.Errorf("ChildPath(/, a) = %q", got)
	}
	if got := ChildPath("/r", "a"); got != "/r/a" {
		t.Errorf("ChildPath(/r, a) = %q", got)
	}
	if got := ParentPath("/r/a"); got != "/r" {
		t.Errorf("ParentPath(/r/a) = %q", got)
	}
	if got := ParentPath("/"); got != "/" {
		t.Errorf("ParentPath(/) = %q", got)
	}
	if got := CleanPath("r/a/"); got != "/r/a" {
		t.Errorf("CleanPath(r/a/) = %q", got)
	}

	within := []struct {
		root, p string
		want    bool
	}{
		{"/r", "/r", true},
		{"/r", "/r/a/b", true},
		{"/r", "/rx", false},
		{"/r", "/", false},
		{"/", "/anything", true},
	}
	for _, tt := range within {
		if got := Within(tt.root, tt.p); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.root, tt.p, got, tt.want)
		}
	}
}
