package diff

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffIdentical(t *testing.T) {
	res, err := NewEngine(3).Diff([]byte("a\nb\n"), []byte("a\nb\n"))
	require.NoError(t, err)
	assert.Empty(t, res.Hunks)
	assert.Zero(t, res.Stats.Changes)
}

func TestDiffSingleEdit(t *testing.T) {
	oldContent := []byte("one\ntwo\nthree\nfour\nfive\n")
	newContent := []byte("one\ntwo\nTHREE\nfour\nfive\n")

	res, err := NewEngine(1).Diff(oldContent, newContent)
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)

	h := res.Hunks[0]
	assert.Equal(t, 2, h.OldStart)
	assert.Equal(t, 3, h.OldLines)
	assert.Equal(t, 2, h.NewStart)
	assert.Equal(t, 3, h.NewLines)
	assert.Equal(t, []Line{
		{Type: Context, Content: "two", OldNum: 2, NewNum: 2},
		{Type: Deletion, Content: "three", OldNum: 3},
		{Type: Addition, Content: "THREE", NewNum: 3},
		{Type: Context, Content: "four", OldNum: 4, NewNum: 4},
	}, h.Lines)
	assert.Equal(t, 1, res.Stats.Additions)
	assert.Equal(t, 1, res.Stats.Deletions)
	assert.Equal(t, 2, res.Stats.Changes)

	assert.Equal(t, "@@ -2,3 +2,3 @@\n two\n-three\n+THREE\n four\n", res.Format())
}

func TestDiffSeparateHunks(t *testing.T) {
	var a, b []string
	for i := 0; i < 20; i++ {
		line := strings.Repeat("x", i+1)
		a = append(a, line)
		if i == 2 || i == 17 {
			line += "!"
		}
		b = append(b, line)
	}
	res, err := NewEngine(2).Diff([]byte(strings.Join(a, "\n")), []byte(strings.Join(b, "\n")))
	require.NoError(t, err)
	assert.Len(t, res.Hunks, 2)
}

func TestDiffFromEmpty(t *testing.T) {
	res, err := NewEngine(3).Diff(nil, []byte("new\nfile"))
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	assert.Equal(t, 2, res.Stats.Additions)
	assert.Zero(t, res.Stats.Deletions)
}

func TestUnified(t *testing.T) {
	out, err := NewEngine(3).Unified("a/readme", "b/readme", []byte("hello\n"), []byte("hello\nworld\n"))
	require.NoError(t, err)
	assert.Contains(t, out, "--- a/readme")
	assert.Contains(t, out, "+++ b/readme")
	assert.Contains(t, out, "+world")

	out, err = NewEngine(3).Unified("a", "b", []byte("same\n"), []byte("same\n"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBinary(t *testing.T) {
	bin := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}
	assert.True(t, IsBinary(bin))
	assert.True(t, IsBinary([]byte{0xff, 0xfe, 'a'}))
	assert.False(t, IsBinary([]byte("plain text, héllo")))

	// a rune cut by the sniff limit is not binary
	long := append(bytes.Repeat([]byte("a"), binarySniffLen-1), []byte("é")...)
	assert.False(t, IsBinary(long))

	res, err := NewEngine(3).Diff(bin, []byte("text"))
	require.NoError(t, err)
	assert.True(t, res.Binary)
	assert.Empty(t, res.Hunks)

	out, err := NewEngine(3).Unified("a/x.png", "b/x.png", bin, append(bin, 3))
	require.NoError(t, err)
	assert.Equal(t, "Binary files a/x.png and b/x.png differ\n", out)
}
