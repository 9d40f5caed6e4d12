package main

import (
	"fmt"

	"keel/internal/commit"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newBranchCmd(g *globals) *cobra.Command {
	branchCmd := &cobra.Command{
		Use:   "branch",
		Short: "Create, list and switch branches",
	}

	var newLockDomain bool
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a branch from the head of the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			b, err := ws.CreateBranch(cmd.Context(), args[0], newLockDomain)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s at %s\n", b.Name, commit.ShortID(b.Head))
			return nil
		},
	}
	createCmd.Flags().BoolVar(&newLockDomain, "new-lock-domain", false, "do not share locks with the parent branch")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the branches of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			st, err := ws.State(cmd.Context())
			if err != nil {
				return err
			}
			branches, err := ws.ListBranches(cmd.Context())
			if err != nil {
				return err
			}
			current := color.New(color.FgGreen, color.Bold)
			for _, b := range branches {
				line := fmt.Sprintf("%-24s %s", b.Name, commit.ShortID(b.Head))
				if b.Parent != "" {
					line += " (from " + b.Parent + ")"
				}
				if b.Name == st.Branch {
					current.Fprintf(cmd.OutOrStdout(), "* %s\n", line)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", line)
				}
			}
			return nil
		},
	}

	switchCmd := &cobra.Command{
		Use:   "switch <name>",
		Short: "Attach the workspace to another branch",
		Long:  `Switches the working copy to another branch. Nothing may be staged or pending.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			res, err := ws.SwitchBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSync(cmd.OutOrStdout(), res)
			fmt.Fprintf(cmd.OutOrStdout(), "Switched to branch %s\n", args[0])
			return nil
		},
	}

	branchCmd.AddCommand(createCmd, listCmd, switchCmd)
	return branchCmd
}

func newLockCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "lock <paths...>",
		Short: "Lock files so no other workspace can commit them",
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
			locks, err := ws.Lock(cmd.Context(), paths...)
			if err != nil {
				return err
			}
			for _, l := range locks {
				fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", l.Path)
			}
			return nil
		},
	}
}

func newUnlockCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <paths...>",
		Short: "Release locks held by this workspace",
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
			if err := ws.Unlock(cmd.Context(), paths...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d lock(s)\n", len(paths))
			return nil
		},
	}
}

func newLocksCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List the locks of the current branch's lock domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			locks, err := ws.ListLocks(cmd.Context())
			if err != nil {
				return err
			}
			if len(locks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No locks")
				return nil
			}
			mine := color.New(color.FgGreen)
			for _, l := range locks {
				line := fmt.Sprintf("%-40s %s (%s)", l.Path, l.WorkspaceID, l.BranchName)
				if l.WorkspaceID == ws.ID() {
					mine.Fprintln(cmd.OutOrStdout(), line)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
			return nil
		},
	}
}
