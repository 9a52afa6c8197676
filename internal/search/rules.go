package search

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"modelprobe/internal/formats"
)

// Rules control which paths a search visits.
type Rules struct {
	// Globs a candidate's base name or root-relative path must match; empty
	// admits every candidate. "**" crosses directories.
	Include []string
	// Globs that skip files and prune directories.
	Exclude []string
	// Candidate file extensions; empty means formats.WeightExts.
	Extensions     []string
	FollowSymlinks bool
	// Maximum directory depth below a root; 0 means unlimited.
	MaxDepth int
	// Visit files and directories whose name starts with a dot.
	IncludeHidden bool
}

type matcher struct {
	include, exclude []glob.Glob
	exts             []string
}

func (r Rules) compile() (*matcher, error) {
	m := &matcher{}
	for _, p := range r.Include {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("include pattern %q: %w", p, err)
		}
		m.include = append(m.include, g)
	}
	for _, p := range r.Exclude {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		m.exclude = append(m.exclude, g)
	}
	exts := r.Extensions
	if len(exts) == 0 {
		exts = formats.WeightExts
	}
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m.exts = append(m.exts, e)
	}
	return m, nil
}

// Validate reports malformed glob patterns.
func (r Rules) Validate() error {
	_, err := r.compile()
	return err
}

func anyMatch(gs []glob.Glob, name, rel string) bool {
	for _, g := range gs {
		if g.Match(name) || g.Match(rel) {
			return true
		}
	}
	return false
}

func (m *matcher) excluded(name, rel string) bool { return anyMatch(m.exclude, name, rel) }

func (m *matcher) included(name, rel string) bool {
	return len(m.include) == 0 || anyMatch(m.include, name, rel)
}

func (m *matcher) candidateExt(name string) bool {
	return slices.Contains(m.exts, strings.ToLower(filepath.Ext(name)))
}
