package utils

import (
	"path/filepath"
	"regexp"
	"strings"
)

// GlobMatcher matches slash-separated paths against glob patterns
// supporting *, ** and ?.
type GlobMatcher struct {
	patterns []string
	regexps  []*regexp.Regexp
}

// NewGlobMatcher compiles the given patterns. A bare name without wildcards
// or slashes matches that name at any depth, including everything below it.
func NewGlobMatcher(patterns []string) (*GlobMatcher, error) {
	gm := &GlobMatcher{}
	for _, p := range patterns {
		for _, expanded := range expandPattern(NormalizePattern(p)) {
			re, err := globToRegex(expanded)
			if err != nil {
				return nil, err
			}
			gm.patterns = append(gm.patterns, expanded)
			gm.regexps = append(gm.regexps, re)
		}
	}
	return gm, nil
}

// Match reports whether path matches any pattern
func (gm *GlobMatcher) Match(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")
	for _, re := range gm.regexps {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Filter returns the paths that match none of the patterns
func (gm *GlobMatcher) Filter(paths []string) []string {
	var kept []string
	for _, p := range paths {
		if !gm.Match(p) {
			kept = append(kept, p)
		}
	}
	return kept
}

func expandPattern(pattern string) []string {
	out := []string{pattern}
	literal := !IsGlobPattern(pattern)
	if literal {
		out = append(out, pattern+"/**")
	}
	if !strings.Contains(pattern, "/") {
		out = append(out, "**/"+pattern)
		if literal {
			out = append(out, "**/"+pattern+"/**")
		}
	}
	return out
}

func globToRegex(pattern string) (*regexp.Regexp, error) {
	var re strings.Builder
	re.WriteString("^")

	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == '*' && strings.HasPrefix(pattern[i:], "**/"):
			re.WriteString("(?:.*/)?")
			i += 3
		case c == '*' && strings.HasPrefix(pattern[i:], "**"):
			re.WriteString(".*")
			i += 2
		case c == '*':
			re.WriteString("[^/]*")
			i++
		case c == '?':
			re.WriteString("[^/]")
			i++
		default:
			re.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}

	re.WriteString("$")
	return regexp.Compile(re.String())
}

// IsGlobPattern checks if a string contains glob wildcards
func IsGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// NormalizePattern converts separators to slashes and trims "./" and a
// trailing slash
func NormalizePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	pattern = strings.TrimPrefix(pattern, "./")
	return strings.TrimSuffix(pattern, "/")
}

// DefaultExclusions are never watched
func DefaultExclusions() []string {
	return []string{
		".git",
		".hg",
		".svn",
		".spectre",
		"node_modules",
		".idea",
		".vscode",
		".DS_Store",
		"*.swp",
		"*~",
		"*.tmp.*",
	}
}
