package pattern_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tripwire/watchtower/internal/pattern"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		spec string
		path string
		want bool
	}{
		{"star suffix", "*.ts", "./watched/example.ts", true},
		{"star suffix other ext", "*.js", "./watched/example.ts", false},
		{"dot is literal", "*.ts", "./watched/exampleXts", false},
		{"question mark single char", "file?.log", "file1.log", true},
		{"question mark needs a char", "file?.log", "file.log", false},
		{"anchored start", "watched/*.txt", "./watched/a.txt", false},
		{"anchored end", "*.txt", "./watched/a.txt.bak", false},
		{"alternation first", "*.ts|*.js", "src/app.ts", true},
		{"alternation second", "*.ts|*.js", "src/app.js", true},
		{"alternation none", "*.ts|*.js", "src/app.go", false},
		{"alternation trims spaces", " *.ts | *.js ", "src/app.js", true},
		{"backslash normalised", "*/watched/*.ts", `C:\data\watched\example.ts`, true},
		{"original backslash form", `*\secret.key`, `C:\keys\secret.key`, true},
		{"regex metachar literal", "report(1).txt", "report(1).txt", true},
		{"regex metachar not a group", "a+b.txt", "aab.txt", false},
		{"brackets are literal", "[abc].txt", "a.txt", false},
		{"exact name", "passwd", "passwd", true},
		{"empty spec", "", "anything", false},
		{"only separators", "||", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pattern.Compile(tt.spec).Matches(tt.path)
			assert.Equal(t, tt.want, got, "Compile(%q).Matches(%q)", tt.spec, tt.path)
		})
	}
}

func TestMatch_Shorthand(t *testing.T) {
	assert.True(t, pattern.Match("*.env", "/srv/app/.env"))
	assert.False(t, pattern.Match("*.env", "/srv/app/.env.example"))
}

func TestCompile_Spec(t *testing.T) {
	m := pattern.Compile("*.go|*.mod")
	assert.Equal(t, "*.go|*.mod", m.Spec())
}

func TestCache_ReturnsSameMatcher(t *testing.T) {
	var c pattern.Cache
	a := c.Get("*.txt")
	b := c.Get("*.txt")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c.Get("*.md"))
	assert.True(t, a.Matches("notes.txt"))
}
