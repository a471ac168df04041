package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []string
		path  string
		isDir bool
		exp   bool
	}{
		{
			name:  "SimpleName",
			rules: []string{"secret.txt"},
			path:  "secret.txt",
			exp:   true,
		},
		{
			name:  "NameMatchesAnyDepth",
			rules: []string{"secret.txt"},
			path:  "a/b/secret.txt",
			exp:   true,
		},
		{
			name:  "Star",
			rules: []string{"*.log"},
			path:  "build/out.log",
			exp:   true,
		},
		{
			name:  "StarDoesNotCrossComponents",
			rules: []string{"a*b"},
			path:  "a/b",
			exp:   false,
		},
		{
			name:  "DoubleStarCrossesComponents",
			rules: []string{"logs/**/debug.log"},
			path:  "logs/a/b/debug.log",
			exp:   true,
		},
		{
			name:  "AnchoredToSource",
			rules: []string{"/build"},
			path:  "build",
			exp:   true,
		},
		{
			name:  "AnchoredDoesNotMatchNested",
			rules: []string{"/build"},
			path:  "sub/build",
			exp:   false,
		},
		{
			name:  "DirOnlyMatchesDir",
			rules: []string{"cache/"},
			path:  "cache",
			isDir: true,
			exp:   true,
		},
		{
			name:  "DirOnlySkipsFile",
			rules: []string{"cache/"},
			path:  "cache",
			exp:   false,
		},
		{
			name:  "NegationResurrects",
			rules: []string{"*.log", "!keep.log"},
			path:  "keep.log",
			exp:   false,
		},
		{
			name:  "LaterRuleWins",
			rules: []string{"!keep.log", "*.log"},
			path:  "keep.log",
			exp:   true,
		},
		{
			name:  "CommentsAndBlanksSkipped",
			rules: []string{"# a comment", "", "secret.txt"},
			path:  "secret.txt",
			exp:   true,
		},
		{
			name:  "NoRules",
			rules: nil,
			path:  "anything",
			exp:   false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rules := NewPathRules(test.rules...)
			assert.Equal(t, test.exp, rules.ShouldIgnore(test.path, test.isDir))
		})
	}
}

func TestPathRulesSetRulesReplaces(t *testing.T) {
	rules := NewPathRules("*.log")
	assert.True(t, rules.ShouldIgnore("out.log", false))

	rules.SetRules("*.tmp")
	assert.False(t, rules.ShouldIgnore("out.log", false))
	assert.True(t, rules.ShouldIgnore("out.tmp", false))
}

func TestPathRulesText(t *testing.T) {
	rules := NewPathRules()
	rules.SetRulesText("# ignore build output\nbuild\n*.log\n!keep.log\n")

	assert.True(t, rules.ShouldIgnore("build", true))
	assert.True(t, rules.ShouldIgnore("out.log", false))
	assert.False(t, rules.ShouldIgnore("keep.log", false))
	assert.False(t, rules.ShouldIgnore("src/main.go", false))
}
