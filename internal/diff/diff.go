// Package diff computes line diffs between two revisions of a file.
package diff

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// Line represents a single line in a diff with its type and content.
// OldNum and NewNum are 1-based and 0 when the line is absent on that side.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information. Binary results carry
// no hunks.
type DiffResult struct {
	Binary bool
	Hunks  []Hunk
	Stats  struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{contextLines: contextLines}
}

// binarySniffLen matches the prefix git inspects.
const binarySniffLen = 8000

// IsBinary reports whether data looks like binary content: a NUL byte in
// its first bytes or invalid UTF-8.
func IsBinary(data []byte) bool {
	head := data
	if len(head) > binarySniffLen {
		head = head[:binarySniffLen]
		// drop a multi-byte rune cut by the limit
		for i := len(head) - 1; i >= 0 && i >= len(head)-utf8.UTFMax; i-- {
			if utf8.RuneStart(head[i]) {
				if !utf8.FullRune(head[i:]) {
					head = head[:i]
				}
				break
			}
		}
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	return !utf8.Valid(head)
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	// SplitLines terminates the last line itself
	return difflib.SplitLines(strings.TrimSuffix(string(content), "\n"))
}

// Diff groups the changed lines of oldContent and newContent into hunks.
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	result := &DiffResult{}
	if IsBinary(oldContent) || IsBinary(newContent) {
		result.Binary = true
		return result, nil
	}
	a, b := splitLines(oldContent), splitLines(newContent)
	matcher := difflib.NewMatcher(a, b)

	for _, group := range matcher.GetGroupedOpCodes(e.contextLines) {
		first, last := group[0], group[len(group)-1]
		hunk := Hunk{
			OldStart: first.I1 + 1,
			OldLines: last.I2 - first.I1,
			NewStart: first.J1 + 1,
			NewLines: last.J2 - first.J1,
		}
		for _, op := range group {
			if op.Tag == 'e' {
				for k := 0; k < op.I2-op.I1; k++ {
					hunk.Lines = append(hunk.Lines, Line{
						Type: Context, Content: trimEOL(a[op.I1+k]),
						OldNum: op.I1 + k + 1, NewNum: op.J1 + k + 1,
					})
				}
				continue
			}
			if op.Tag == 'r' || op.Tag == 'd' {
				for i := op.I1; i < op.I2; i++ {
					hunk.Lines = append(hunk.Lines, Line{Type: Deletion, Content: trimEOL(a[i]), OldNum: i + 1})
					result.Stats.Deletions++
				}
			}
			if op.Tag == 'r' || op.Tag == 'i' {
				for j := op.J1; j < op.J2; j++ {
					hunk.Lines = append(hunk.Lines, Line{Type: Addition, Content: trimEOL(b[j]), NewNum: j + 1})
					result.Stats.Additions++
				}
			}
		}
		result.Hunks = append(result.Hunks, hunk)
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result, nil
}

// Unified renders the diff in unified format with the given file names.
// Identical contents produce an empty string.
func (e *Engine) Unified(oldName, newName string, oldContent, newContent []byte) (string, error) {
	if IsBinary(oldContent) || IsBinary(newContent) {
		if bytes.Equal(oldContent, newContent) {
			return "", nil
		}
		return fmt.Sprintf("Binary files %s and %s differ\n", oldName, newName), nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(oldContent),
		B:        splitLines(newContent),
		FromFile: oldName,
		ToFile:   newName,
		Context:  e.contextLines,
	})
}

func trimEOL(s string) string {
	return strings.TrimSuffix(s, "\n")
}

// Format returns a string representation of the diff
func (r *DiffResult) Format() string {
	if r.Binary {
		return "Binary content differs\n"
	}
	var buf bytes.Buffer
	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+")
			case Deletion:
				buf.WriteString("-")
			case Context:
				buf.WriteString(" ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}
	return buf.String()
}
