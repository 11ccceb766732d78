package monitor

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NormalizePath makes path absolute and drops trailing separators, keeping roots intact.
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	trimmed := strings.TrimRight(p, `/\`)
	if trimmed == "" || strings.HasSuffix(trimmed, ":") {
		return p
	}
	return trimmed
}

// Key is the case-insensitive identity of a path, used by debounce, guard and set semantics.
func Key(path string) string {
	return strings.ToLower(NormalizePath(path))
}

// NormalizeFilter turns ".ext" into "*.ext". Other patterns are only trimmed.
func NormalizeFilter(filter string) string {
	f := strings.TrimSpace(filter)
	if strings.HasPrefix(f, ".") {
		return "*" + f
	}
	return f
}

// WildcardRegexp compiles a * and ? wildcard into a case-insensitive full-match regexp.
func WildcardRegexp(pattern string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return regexp.MustCompile("(?i)^" + quoted + "$")
}

// Filter decides whether a changed file is eligible for scanning.
// An empty pattern list admits every file name.
type Filter struct {
	exclusions []exclusion
	patterns   []*regexp.Regexp
	isDir      func(string) bool
}

type exclusion struct {
	path string
	key  string
}

// NewFilter builds a filter. isDir reports whether an exclusion entry is a directory;
// nil means os.Stat. It is consulted at match time so a directory created after
// the filter was built still excludes its contents.
func NewFilter(exclusions, patterns []string, isDir func(string) bool) *Filter {
	if isDir == nil {
		isDir = func(p string) bool {
			info, err := os.Stat(p)
			return err == nil && info.IsDir()
		}
	}
	f := &Filter{isDir: isDir}
	for _, e := range exclusions {
		if strings.TrimSpace(e) == "" {
			continue
		}
		path := NormalizePath(e)
		f.exclusions = append(f.exclusions, exclusion{path: path, key: Key(path)})
	}
	for _, p := range patterns {
		p = NormalizeFilter(p)
		if p == "" {
			continue
		}
		f.patterns = append(f.patterns, WildcardRegexp(p))
	}
	return f
}

// Excluded reports whether path equals an exclusion or lies inside an excluded directory.
func (f *Filter) Excluded(path string) bool {
	key := Key(path)
	for _, e := range f.exclusions {
		if key == e.key {
			return true
		}
		if isUnder(key, e.key) && f.isDir(e.path) {
			return true
		}
	}
	return false
}

// isUnder reports whether key names something below dir. A root such as "/" or
// "c:\" already ends in a separator.
func isUnder(key, dir string) bool {
	if len(key) <= len(dir) || !strings.HasPrefix(key, dir) {
		return false
	}
	return isSeparator(dir[len(dir)-1]) || isSeparator(key[len(dir)])
}

// Included reports whether the file name matches a pattern.
func (f *Filter) Included(path string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	name := baseName(path)
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Admit is Included and not Excluded.
func (f *Filter) Admit(path string) bool {
	return !f.Excluded(path) && f.Included(path)
}

func isSeparator(c byte) bool {
	return c == '/' || c == '\\'
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
