package main

import (
	"fmt"
	"path/filepath"

	"keel/client"
	"keel/internal/api"
	"keel/internal/branch"
	"keel/internal/commit"
	"keel/internal/gitimport"
	"keel/internal/workspace"

	"github.com/spf13/cobra"
)

func newRepoCmd(g *globals) *cobra.Command {
	repoCmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage repositories on the server",
	}

	var exclusive bool
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := g.client(g.server).CreateRepository(cmd.Context(), args[0], exclusive)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created repository %s\n", info.Name)
			if exclusive {
				fmt.Fprintln(cmd.OutOrStdout(), "Files must be locked before they are edited or deleted")
			}
			return nil
		},
	}
	createCmd.Flags().BoolVar(&exclusive, "exclusive-edits", false, "require a lock to edit or delete files")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := g.client(g.server).ListRepositories(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	var yes bool
	destroyCmd := &cobra.Command{
		Use:   "destroy <name>",
		Short: "Delete a repository and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirm(cmd, fmt.Sprintf("Destroy repository %s and all of its history?", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			if err := g.client(g.server).DestroyRepository(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Destroyed repository %s\n", args[0])
			return nil
		},
	}
	destroyCmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	repoCmd.AddCommand(createCmd, listCmd, destroyCmd)
	return repoCmd
}

// importTarget picks the repository to import into: --repo on the server,
// or the repository of the enclosing workspace.
func (g *globals) importTarget(repo string) (*client.Client, error) {
	if repo != "" {
		return g.client(g.server).Repository(repo), nil
	}
	root, err := workspace.FindRoot(g.dir)
	if err != nil {
		return nil, err
	}
	cfg, err := workspace.LoadConfig(workspace.ConfigPath(root))
	if err != nil {
		return nil, err
	}
	return g.client(cfg.RemoteURL).Repository(cfg.Repository), nil
}

func newImportGitCmd(g *globals) *cobra.Command {
	var (
		repo       string
		gitBranch  string
		branchName string
	)
	cmd := &cobra.Command{
		Use:   "import-git <git-dir>",
		Short: "Replay the history of a git branch into a repository",
		Long: `Imports the first-parent history of a git branch, one commit at a time.
Commits imported before are recognized and skipped, so the command can be run
again to bring in new git commits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := g.importTarget(repo)
			if err != nil {
				return err
			}
			gitDir := args[0]
			if !filepath.IsAbs(gitDir) {
				gitDir = filepath.Join(g.dir, gitDir)
			}
			res, err := gitimport.Import(cmd.Context(), gitDir, target, gitimport.Options{
				GitBranch: gitBranch,
				Branch:    branchName,
				Logger:    g.logger.Logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d commit(s), skipped %d, %s is at %s\n",
				len(res.Imported), len(res.Skipped), branchName, commit.ShortID(res.Head))
			return nil
		},
	}
	cmd.Flags().StringVarP(&repo, "repo", "r", "", "repository name (defaults to the workspace repository)")
	cmd.Flags().StringVar(&gitBranch, "git-branch", "", "git branch to import (defaults to HEAD)")
	cmd.Flags().StringVarP(&branchName, "branch", "b", branch.Main, "branch receiving the commits")
	return cmd
}

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the client protocol and the server version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "client protocol %s\n", api.ProtocolVersion)
			info, err := g.client(g.server).CheckVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %s at %s, protocol %s\n", info.Version, g.server, info.Protocol)
			return nil
		},
	}
}
