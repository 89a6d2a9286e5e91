package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/depmerge"
	"github.com/Iron-Ham/convoy/internal/errors"
)

var mergeDepsCmd = &cobra.Command{
	Use:   "merge-deps <issue> <dependency>...",
	Short: "Build the dependency baseline branch for an issue",
	Long: `Merge dependencies, in order, onto the deps branch of an issue and print
the resulting commit. A dependency is either an issue number, resolved to the
branch the fleet checkpoint recorded for it, or a branch name.

Conflicts are recorded under the issue's state directory. With --resolve the
coding agent is asked to settle them before the merge is abandoned.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMergeDeps,
}

var (
	mergeBase    string
	mergeResolve bool
)

func init() {
	rootCmd.AddCommand(mergeDepsCmd)
	mergeDepsCmd.Flags().StringVar(&mergeBase, "base", "", "Commit to root a new deps branch at (default: HEAD)")
	mergeDepsCmd.Flags().BoolVar(&mergeResolve, "resolve", false, "Let the agent resolve merge conflicts")
}

func runMergeDeps(cmd *cobra.Command, args []string) error {
	issues, err := parseIssueArgs(args[:1])
	if err != nil {
		return err
	}
	issue := issues[0]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	state, err := a.stores.Fleet().Load(ctx)
	if err != nil {
		return err
	}
	deps, err := resolveDependencies(state, args[1:])
	if err != nil {
		return err
	}

	base := mergeBase
	if base == "" {
		if base, err = a.git.HeadSHA(ctx, a.repoDir); err != nil {
			return err
		}
	}

	var resolver depmerge.Resolver
	if mergeResolve {
		resolver = a.resolver()
	}

	head, err := a.orch.MergeDependencies(ctx, issue, deps, base, resolver)
	if err != nil {
		var conflict *depmerge.MergeConflictError
		if errors.As(err, &conflict) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Conflict recorded at %s\n", a.merger.ConflictPath(issue))
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), head)
	return nil
}

// resolveDependencies turns dependency arguments into branches. Issue
// numbers must have a branch in the fleet checkpoint.
func resolveDependencies(state *checkpoint.FleetState, args []string) ([]depmerge.Dependency, error) {
	var deps []depmerge.Dependency
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
		if err != nil {
			deps = append(deps, depmerge.Dependency{Branch: arg})
			continue
		}
		e, ok := state.Issues[n]
		if !ok || e.Branch == "" {
			return nil, errors.NewNotFoundError("issue branch", fmt.Sprintf("#%d", n))
		}
		deps = append(deps, depmerge.Dependency{Issue: n, Branch: e.Branch})
	}
	return deps, nil
}
