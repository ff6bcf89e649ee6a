package model

import (
	"fmt"
	"regexp"
	"strings"
)

// AcceptorPath is the acceptor kind filtering on namespace paths.
const AcceptorPath = "path"

// Acceptor describes which change notifications a subscriber wants.
type Acceptor struct {
	Kind    string `json:"acceptor"`
	Pattern string `json:"pattern"`
}

// SubtreeAcceptor returns the acceptor matching root and everything below it.
func SubtreeAcceptor(root string) Acceptor {
	return Acceptor{
		Kind:    AcceptorPath,
		Pattern: strings.TrimSuffix(CleanPath(root), "/") + "/*",
	}
}

// Matches reports whether p matches the acceptor pattern. '*' matches any
// run of characters including '/', '?' matches exactly one character. A
// pattern ending in "/*" also matches the directory it names.
func (a Acceptor) Matches(p string) bool {
	re, err := a.compile()
	if err != nil {
		return false
	}
	return re.MatchString(p)
}

func (a Acceptor) compile() (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	if prefix, ok := strings.CutSuffix(a.Pattern, "/*"); ok {
		writeGlob(&b, prefix)
		b.WriteString("(?:/.*)?")
	} else {
		writeGlob(&b, a.Pattern)
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func writeGlob(b *strings.Builder, pattern string) {
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
}

func (a Acceptor) String() string {
	return fmt.Sprintf("<acceptor %s %s>", a.Kind, a.Pattern)
}

// Matcher tests paths against a set of path acceptors compiled once.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles the path acceptors in as. Acceptors of other kinds
// are ignored.
func NewMatcher(as []Acceptor) (*Matcher, error) {
	m := &Matcher{}
	for _, a := range as {
		if a.Kind != "" && a.Kind != AcceptorPath {
			continue
		}
		re, err := a.compile()
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", a, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether any compiled acceptor matches p.
func (m *Matcher) Match(p string) bool {
	for _, re := range m.patterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}
