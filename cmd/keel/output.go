package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/tree"
	"keel/internal/workspace"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	addColor    = color.New(color.FgGreen)
	editColor   = color.New(color.FgYellow)
	deleteColor = color.New(color.FgRed)
	headerColor = color.New(color.FgCyan)
	idColor     = color.New(color.FgYellow)
)

func changeColor(t tree.ChangeType) *color.Color {
	switch t {
	case tree.ChangeAdd:
		return addColor
	case tree.ChangeDelete:
		return deleteColor
	default:
		return editColor
	}
}

func printChange(w io.Writer, t tree.ChangeType, path string) {
	changeColor(t).Fprintf(w, "%-7s", t)
	fmt.Fprintf(w, " %s\n", path)
}

func printLocalChanges(w io.Writer, changes []workspace.LocalChange) {
	for _, c := range changes {
		printChange(w, c.Type, string(c.Path))
	}
}

func printPending(w io.Writer, pending []workspace.ResolvePending) {
	for _, p := range pending {
		deleteColor.Fprint(w, "pending ")
		if p.Structural() {
			fmt.Fprintf(w, "%s (incoming %s from %s, blocked by %s)\n",
				p.Path, p.Incoming.Type, commit.ShortID(p.TheirsCommit), joinPaths(p.Blocking))
			continue
		}
		fmt.Fprintf(w, "%s (local %s, incoming %s from %s)\n",
			p.Path, p.Local.Type, p.Incoming.Type, commit.ShortID(p.TheirsCommit))
	}
}

func printSync(w io.Writer, res *workspace.SyncResult) {
	if res.From == res.To && len(res.Applied) == 0 {
		fmt.Fprintln(w, "Already up to date")
		return
	}
	for _, c := range res.Applied {
		printChange(w, c.Type, string(c.Path))
	}
	fmt.Fprintf(w, "Synchronized %s..%s\n", commit.ShortID(res.From), commit.ShortID(res.To))
	if len(res.Pending) > 0 {
		fmt.Fprintln(w)
		printPending(w, res.Pending)
		fmt.Fprintln(w, "Merge the files above, then run 'keel resolve <path>'")
	}
}

func printStatus(w io.Writer, s *workspace.Status) {
	fmt.Fprintf(w, "On branch %s at %s\n", s.Branch, commit.ShortID(s.Head))
	if s.Clean() {
		fmt.Fprintln(w, "Nothing to commit, working copy clean")
		return
	}
	if len(s.Staged) > 0 {
		headerColor.Fprintln(w, "\nChanges to commit:")
		printLocalChanges(w, s.Staged)
	}
	if len(s.Pending) > 0 {
		headerColor.Fprintln(w, "\nPending resolves:")
		printPending(w, s.Pending)
	}
	if len(s.Modified) > 0 || len(s.Missing) > 0 {
		headerColor.Fprintln(w, "\nChanged without edit:")
		for _, p := range s.Modified {
			printChange(w, tree.ChangeEdit, string(p))
		}
		for _, p := range s.Missing {
			printChange(w, tree.ChangeDelete, string(p))
		}
	}
	if len(s.Untracked) > 0 {
		headerColor.Fprintln(w, "\nUntracked files:")
		for _, p := range s.Untracked {
			fmt.Fprintf(w, "        %s\n", p)
		}
	}
}

func printCommit(w io.Writer, c *commit.Commit) {
	idColor.Fprint(w, commit.ShortID(c.ID))
	fmt.Fprintf(w, "  %s  %-20s  %s\n", c.Timestamp.Local().Format(time.DateTime), c.Author, c.Summary())
}

func printColoredDiff(w io.Writer, diff string) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case line == "":
			fmt.Fprintln(w)
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprintln(w, line)
		case strings.HasPrefix(line, "@@"):
			headerColor.Fprintln(w, line)
		case strings.HasPrefix(line, "+"):
			addColor.Fprintln(w, line)
		case strings.HasPrefix(line, "-"):
			deleteColor.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// confirm asks a yes/no question. Without a terminal the answer has to be
// given up front with --yes.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	if !interactive() {
		return false, errors.ValidationError(prompt+" (pass --yes to confirm without a terminal)", nil)
	}
	var ok bool
	field := huh.NewConfirm().
		Title(prompt).
		Value(&ok)
	form := huh.NewForm(huh.NewGroup(field)).
		WithInput(cmd.InOrStdin()).
		WithOutput(cmd.OutOrStdout()).
		WithShowHelp(false)
	if err := form.Run(); err != nil {
		if stderrors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func joinPaths(paths []canonical.Path) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}
