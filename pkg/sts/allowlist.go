package sts

import (
	"path"
	"strings"
)

// RequestValidator decides whether an inbound call needs a token at all.
type RequestValidator interface {
	AuthRequired(req *Request) bool
}

// PathAllowList exempts calls whose path matches one of its entries.
// Entries are exact paths or path.Match patterns ("/public/*"). The query
// string is ignored.
type PathAllowList struct {
	patterns []string
}

// NewPathAllowList drops blank entries.
func NewPathAllowList(patterns ...string) *PathAllowList {
	l := &PathAllowList{}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			l.patterns = append(l.patterns, p)
		}
	}
	return l
}

// AuthRequired implements [RequestValidator].
func (l *PathAllowList) AuthRequired(req *Request) bool {
	if l == nil || len(l.patterns) == 0 {
		return true
	}
	p, _, _ := strings.Cut(req.Context.Path, "?")
	for _, pattern := range l.patterns {
		if p == pattern {
			return false
		}
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return false
		}
	}
	return true
}
