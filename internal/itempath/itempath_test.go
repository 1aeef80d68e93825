package itempath

import (
	"strings"
	"testing"

	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		key   string
		isDir bool
		error bool
	}{
		{name: "simple-file", raw: "a.txt", key: "a.txt"},
		{name: "nested-file", raw: "Documents/notes/a.txt", key: "Documents/notes/a.txt"},
		{name: "directory", raw: "folder/", key: "folder", isDir: true},
		{name: "nested-directory", raw: "a/b/", key: "a/b", isDir: true},
		{name: "max-segment", raw: strings.Repeat("x", 255), key: strings.Repeat("x", 255)},
		{name: "empty", raw: "", error: true},
		{name: "only-separator", raw: "/", error: true},
		{name: "absolute", raw: "/a/b", error: true},
		{name: "double-separator", raw: "a//b", error: true},
		{name: "hidden", raw: ".hidden", error: true},
		{name: "hidden-nested", raw: "a/.git/config", error: true},
		{name: "dot-dot", raw: "a/../b", error: true},
		{name: "long-segment", raw: strings.Repeat("x", 300), error: true},
		{name: "multibyte-segment", raw: strings.Repeat("é", 255), key: strings.Repeat("é", 255)},
		{name: "long-multibyte-segment", raw: strings.Repeat("é", 256), error: true},
		{name: "colon", raw: "a/b:c", error: true},
		{name: "backslash", raw: `a\b`, error: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p, err := Parse(test.raw)
			if test.error {
				require.Error(t, err)
				assert.True(t, volerr.Is(err, volerr.KindInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.key, p.Key())
			assert.Equal(t, test.isDir, p.IsDir())
			assert.Equal(t, test.raw, p.String())
		})
	}
}

func TestModeCheck(t *testing.T) {
	dir := MustParse("folder/")
	file := MustParse("folder/a.txt")

	assert.Error(t, ModeFile.Check(dir))
	assert.NoError(t, ModeDirectory.Check(dir))
	assert.NoError(t, ModeEither.Check(dir))
	assert.NoError(t, ModeFile.Check(file))

	_, err := ParseFor("folder/", ModeFile)
	assert.True(t, volerr.Is(err, volerr.KindInvalidArgument))

	assert.True(t, ModeDirectory.Matches(true))
	assert.False(t, ModeDirectory.Matches(false))
	assert.True(t, ModeEither.Matches(false))
}

func TestEqualityIsStructural(t *testing.T) {
	assert.Equal(t, MustParse("a/b.txt"), MustParse("a/b.txt"))
	assert.NotEqual(t, MustParse("a/b"), MustParse("a/b/"))
	assert.True(t, MustParse("a/b.txt") == MustParse("a/b.txt"))
}

func TestParentAndJoin(t *testing.T) {
	p := MustParse("a/b/c.txt")
	assert.Equal(t, "a/b/", p.Parent().String())
	assert.Equal(t, "c.txt", p.Base())
	assert.True(t, MustParse("a.txt").Parent().IsRoot())

	joined, err := p.Parent().Join("d.txt", false)
	require.NoError(t, err)
	assert.Equal(t, "a/b/d.txt", joined.String())

	_, err = p.Parent().Join(".x", false)
	assert.Error(t, err)
}

func TestContainsAndRebase(t *testing.T) {
	src := MustParse("a/")
	assert.True(t, src.Contains(MustParse("a/x.txt")))
	assert.True(t, src.Contains(MustParse("a/")))
	assert.False(t, src.Contains(MustParse("ab/x.txt")))
	assert.True(t, Root.Contains(MustParse("z")))

	moved := src.Rebase(MustParse("a/sub/x.txt"), MustParse("b/"))
	assert.Equal(t, "b/sub/x.txt", moved.String())

	self := MustParse("a/x.txt").Rebase(MustParse("a/x.txt"), MustParse("b/x.txt"))
	assert.Equal(t, "b/x.txt", self.String())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("dir")
	require.NoError(t, err)
	assert.Equal(t, ModeDirectory, m)

	_, err = ParseMode("symlink")
	assert.Error(t, err)
}
