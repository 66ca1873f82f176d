package source

import (
	"fmt"
	"path/filepath"

	"github.com/gobwas/glob"
)

// Filter decides which document URLs take part in a sync run
type Filter struct {
	include []compiledPattern
	exclude []compiledPattern
}

type compiledPattern struct {
	raw string
	g   glob.Glob
}

// NewFilter compiles include and exclude glob patterns. '*' matches across
// slashes, so "https://docs.example.com/*" covers the whole site.
func NewFilter(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	var err error
	if f.include, err = compileAll(include); err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	if f.exclude, err = compileAll(exclude); err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return f, nil
}

func compileAll(patterns []string) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		// filepath.Match rejects malformed bracket expressions that glob accepts lazily
		if _, err := filepath.Match(p, "test"); err != nil {
			return nil, fmt.Errorf("'%s': %w", p, err)
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("'%s': %w", p, err)
		}
		out = append(out, compiledPattern{raw: p, g: g})
	}
	return out, nil
}

// ShouldInclude reports whether url passes the filter, with the reason.
//
// Exclude patterns take precedence. When include patterns are present the URL
// must match one of them. With no patterns at all everything is included.
func (f *Filter) ShouldInclude(url string) (bool, string) {
	if f == nil {
		return true, "no url filters specified"
	}

	for _, p := range f.exclude {
		if p.g.Match(url) {
			return false, fmt.Sprintf("excluded by pattern '%s'", p.raw)
		}
	}

	if len(f.include) > 0 {
		for _, p := range f.include {
			if p.g.Match(url) {
				return true, fmt.Sprintf("included by pattern '%s'", p.raw)
			}
		}
		return false, "no match found in include patterns"
	}

	if len(f.exclude) > 0 {
		return true, "no match in exclude patterns"
	}
	return true, "no url filters specified"
}
