package main

import (
	"context"
	"fmt"
	"os"

	"keel/internal/branch"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/tree"
	"keel/internal/workspace"

	"github.com/spf13/cobra"
)

func newInitCmd(g *globals) *cobra.Command {
	var (
		repo       string
		branchName string
		owner      string
		exclusive  bool
		create     bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace attached to a repository branch",
		Long: `Creates a workspace in the current directory (or --dir), attached to a
branch of a repository on the server, and downloads the branch head.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := g.client(g.server)
			if _, err := c.CheckVersion(ctx); err != nil {
				return err
			}
			if create {
				if _, err := c.CreateRepository(ctx, repo, exclusive); err != nil && !errors.Is(err, errors.ErrAlreadyExists) {
					return err
				}
			}
			if owner == "" {
				owner = currentUser()
			}

			cfg := workspace.Config{
				Owner:      owner,
				RemoteURL:  g.server,
				Repository: repo,
			}
			ws, err := workspace.Init(ctx, g.dir, cfg, c.Repository(repo), branchName, workspace.WithLogger(g.logger.Logger))
			if err != nil {
				return err
			}
			defer ws.Close()

			st, err := ws.State(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized workspace %s in %s\n", ws.ID(), ws.Root())
			fmt.Fprintf(cmd.OutOrStdout(), "Tracking %s/%s at %s\n", repo, st.Branch, commit.ShortID(st.Head))
			return nil
		},
	}
	cmd.Flags().StringVarP(&repo, "repo", "r", "", "repository name")
	cmd.Flags().StringVarP(&branchName, "branch", "b", branch.Main, "branch to attach to")
	cmd.Flags().StringVar(&owner, "owner", "", "owner recorded on commits (defaults to $USER)")
	cmd.Flags().BoolVar(&exclusive, "exclusive-edits", false, "with --create, require a lock to edit or delete files")
	cmd.Flags().BoolVar(&create, "create", false, "create the repository if it does not exist")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func currentUser() string {
	for _, key := range []string{"KEEL_OWNER", "USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// stageCmd builds the add, edit and delete commands, which share their
// shape.
func stageCmd(g *globals, use, short string, op func(*workspace.Workspace, context.Context, ...string) ([]workspace.LocalChange, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <paths...>",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			paths, err := g.paths(args)
			if err != nil {
				return err
			}
			changes, err := op(ws, cmd.Context(), paths...)
			if err != nil {
				return err
			}
			printLocalChanges(cmd.OutOrStdout(), changes)
			return nil
		},
	}
}

func newAddCmd(g *globals) *cobra.Command {
	return stageCmd(g, "add", "Start tracking new files (directories are added recursively)", (*workspace.Workspace).Add)
}

func newEditCmd(g *globals) *cobra.Command {
	return stageCmd(g, "edit", "Declare that tracked files are being edited", (*workspace.Workspace).Edit)
}

func newDeleteCmd(g *globals) *cobra.Command {
	return stageCmd(g, "delete", "Delete tracked files and stage their removal", (*workspace.Workspace).Delete)
}

func newRevertCmd(g *globals) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "revert <paths...>",
		Short: "Drop local changes and restore the synchronized content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirm(cmd, fmt.Sprintf("Discard local changes to %d path(s)?", len(args)))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			paths, err := g.paths(args)
			if err != nil {
				return err
			}
			reverted, err := ws.Revert(cmd.Context(), paths...)
			if err != nil {
				return err
			}
			for _, p := range reverted {
				fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newCommitCmd(g *globals) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit the staged changes to the branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			c, err := ws.Commit(cmd.Context(), message)
			if err != nil {
				return err
			}
			st, err := ws.State(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[%s ", st.Branch)
			idColor.Fprint(out, commit.ShortID(c.ID))
			fmt.Fprintf(out, "] %s\n", c.Summary())
			for _, change := range c.Changes {
				printChange(out, change.Type, string(change.Path))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newSyncCmd(g *globals) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring the working copy to the branch head (or another commit)",
		Long: `Applies the commits made since the last synchronization. Files changed
both locally and by the incoming commits are left untouched and reported as
pending resolves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			var res *workspace.SyncResult
			if to != "" {
				res, err = ws.SyncTo(cmd.Context(), to)
			} else {
				res, err = ws.Sync(cmd.Context())
			}
			if err != nil {
				return err
			}
			printSync(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "commit id to synchronize to instead of the head")
	return cmd
}

func newResolveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <paths...>",
		Short: "Mark pending files as merged",
		Long: `Accepts the working copy version of files with a pending resolve. The
local change is rebased onto the incoming one and stays staged.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			paths, err := g.paths(args)
			if err != nil {
				return err
			}
			changes, err := ws.Resolve(cmd.Context(), paths...)
			if err != nil {
				return err
			}
			for _, c := range changes {
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s, staged as %s\n", c.Path, c.Type)
			}
			return nil
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show staged changes, pending resolves and untracked files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			s, err := ws.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newDiffCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <paths...>",
		Short: "Show the changes of files against their synchronized version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			paths, err := g.paths(args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				d, err := ws.Diff(cmd.Context(), p)
				if err != nil {
					return err
				}
				printColoredDiff(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
}

func newLogCmd(g *globals) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the history of the current branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			commits, err := ws.Log(cmd.Context(), depth)
			if err != nil {
				return err
			}
			for _, c := range commits {
				printCommit(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "n", 20, "number of commits to show (0 for all)")
	return cmd
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print files as they change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			wt, err := ws.Watch()
			if err != nil {
				return err
			}
			defer wt.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s\n", ws.Root())
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case p, ok := <-wt.Events():
					if !ok {
						return nil
					}
					printChange(cmd.OutOrStdout(), tree.ChangeEdit, string(p))
				}
			}
		},
	}
}
