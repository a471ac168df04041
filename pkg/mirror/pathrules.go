package mirror

import (
	"strings"

	"gopkg.in/src-d/go-git.v4/plumbing/format/gitignore"
)

// PathRules is a compiled set of .gitignore-style patterns. Patterns are
// matched in order, later patterns override earlier ones, and "!"
// re-includes a previously ignored path.
//
// A PathRules is relative to the directory its rules came from: paths
// passed to ShouldIgnore must already be relative to that directory.
type PathRules struct {
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
}

// NewPathRules compiles the given patterns.
func NewPathRules(rules ...string) *PathRules {
	r := &PathRules{}
	r.SetRules(rules...)
	return r
}

// SetRules replaces the pattern set. Blank lines and comments are
// skipped, so the contents of a .gitignore file can be passed through
// SetRulesText unfiltered.
func (r *PathRules) SetRules(rules ...string) {
	r.patterns = nil
	for _, rule := range rules {
		rule = strings.TrimRight(rule, "\r")
		if strings.TrimSpace(rule) == "" || strings.HasPrefix(rule, "#") {
			continue
		}
		r.patterns = append(r.patterns, gitignore.ParsePattern(rule, nil))
	}
	r.matcher = gitignore.NewMatcher(r.patterns)
}

// SetRulesText replaces the pattern set from a newline-delimited rule
// string, e.g. the contents of a .gitignore file.
func (r *PathRules) SetRulesText(text string) {
	r.SetRules(strings.Split(text, "\n")...)
}

// ShouldIgnore returns whether relPath is excluded by the rules. The
// path must be relative to the rule set's source directory and use
// forward slashes.
func (r *PathRules) ShouldIgnore(relPath string, isDirectory bool) bool {
	if len(r.patterns) == 0 || relPath == "" {
		return false
	}
	return r.matcher.Match(strings.Split(relPath, "/"), isDirectory)
}
