package model

import (
	"path"
	"strings"
)

// CleanPath normalizes p to an absolute slash-separated path without a
// trailing slash.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// ChildPath constructs a child path from parent + name.
func ChildPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// ParentPath returns the parent of p. The parent of "/" is "/".
func ParentPath(p string) string {
	return path.Dir(CleanPath(p))
}

// Within reports whether p is root or lies below it.
func Within(root, p string) bool {
	root = CleanPath(root)
	p = CleanPath(p)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
