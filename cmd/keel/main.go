// Command keel is the workspace client of a keel server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"keel/client"
	"keel/internal/errors"
	"keel/internal/logging"
	"keel/internal/workspace"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:8420"

// globals holds the persistent flags shared by every command.
type globals struct {
	dir     string
	server  string
	verbose bool

	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{logger: logging.NewNop()}

	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "keel is a centralized version control system for large binary projects",
		Long: `keel keeps a working copy in sync with a branch on a keel server.
Files are declared before they change (add, edit, delete), committed in one
step, and may be locked so only one workspace edits them at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewDevelopment(g.verbose)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			g.logger = logger
			return nil
		},
	}

	server := os.Getenv("KEEL_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVarP(&g.dir, "dir", "C", ".", "run as if keel was started in this directory")
	rootCmd.PersistentFlags().StringVar(&g.server, "server", server, "keel server URL (KEEL_SERVER)")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(
		newInitCmd(g),
		newAddCmd(g),
		newEditCmd(g),
		newDeleteCmd(g),
		newRevertCmd(g),
		newCommitCmd(g),
		newSyncCmd(g),
		newResolveCmd(g),
		newStatusCmd(g),
		newDiffCmd(g),
		newLogCmd(g),
		newWatchCmd(g),
		newBranchCmd(g),
		newLockCmd(g),
		newUnlockCmd(g),
		newLocksCmd(g),
		newRepoCmd(g),
		newImportGitCmd(g),
		newVersionCmd(g),
	)
	return rootCmd
}

func (g *globals) client(url string) *client.Client {
	if url == "" {
		url = g.server
	}
	return client.New(url, client.WithLogger(g.logger.Named("client").Logger))
}

// workspace opens the workspace containing g.dir, connected to the
// repository it was initialized from.
func (g *globals) workspace() (*workspace.Workspace, error) {
	root, err := workspace.FindRoot(g.dir)
	if err != nil {
		return nil, err
	}
	cfg, err := workspace.LoadConfig(workspace.ConfigPath(root))
	if err != nil {
		return nil, err
	}
	remote := g.client(cfg.RemoteURL).Repository(cfg.Repository)
	return workspace.Open(root, remote, workspace.WithLogger(g.logger.Logger))
}

// paths makes command line paths absolute so they are taken relative to
// g.dir rather than to the workspace root.
func (g *globals) paths(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		if !filepath.IsAbs(arg) {
			arg = filepath.Join(g.dir, arg)
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, errors.InvalidPath("resolving %s: %v", arg, err)
		}
		out[i] = abs
	}
	return out, nil
}

func printError(w io.Writer, err error) {
	color.New(color.FgRed, color.Bold).Fprint(w, "error: ")
	fmt.Fprintln(w, err)
	if hint := errors.Hint(err); hint != "" {
		color.New(color.FgYellow).Fprintf(w, "hint: %s\n", hint)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
