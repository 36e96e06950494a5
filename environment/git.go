package environment

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ska-telescope/ska-oso-oet-go/errs"
)

// DefaultBranch mirrors GitArgs' own default branch name (types.NewGitScript
// fills it in when neither branch nor commit is given). Here it stands,
// like an empty branch, for the remote's default branch: resolveCommitHash
// and cloneShallow both use the remote's HEAD for it.
const DefaultBranch = "master"

// resolveCommitHash resolves the commit a GitOptions points at: the
// explicit commit if given, otherwise the tip of the branch (or the
// remote's HEAD when the branch is the default), via `git ls-remote` —
// no Go git library appears anywhere in the retrieved corpus and the
// original itself shells out to the git CLI, so this is the direct
// translation rather than a stdlib-by-default shortcut.
func resolveCommitHash(ctx context.Context, repo, branch string) (string, error) {
	var cmd *exec.Cmd
	if branch == "" || branch == DefaultBranch {
		cmd = exec.CommandContext(ctx, "git", "ls-remote", repo, "HEAD")
	} else {
		cmd = exec.CommandContext(ctx, "git", "ls-remote", "-h", repo, branch)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errs.Wrap(errs.EnvPreparationFailure, fmt.Sprintf("resolving commit for %s: %s", repo, stderr.String()), err)
	}

	line := strings.TrimSpace(stdout.String())
	if line == "" {
		return "", errs.New(errs.EnvPreparationFailure, fmt.Sprintf("ls-remote returned no refs for %s", repo))
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields[0]) < 7 {
		return "", errs.New(errs.EnvPreparationFailure, fmt.Sprintf("unexpected ls-remote output for %s: %q", repo, line))
	}
	return fields[0], nil
}

// cloneShallow clones a single branch at depth 1 into dest, minimising
// transferred data when no specific commit is required. An empty branch
// or DefaultBranch clones the remote's HEAD branch.
func cloneShallow(ctx context.Context, repo, branch, dest string) error {
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" && branch != DefaultBranch {
		args = append(args, "--branch", branch)
	}
	cmd := exec.CommandContext(ctx, "git", append(args, repo, dest)...)
	return runClone(cmd, repo)
}

// cloneFullAndCheckout performs a full clone, then checks out the exact
// commit — git cannot clone a single arbitrary commit directly.
func cloneFullAndCheckout(ctx context.Context, repo, commit, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", repo, dest)
	if err := runClone(cmd, repo); err != nil {
		return err
	}
	checkout := exec.CommandContext(ctx, "git", "-C", dest, "checkout", commit)
	var stderr bytes.Buffer
	checkout.Stderr = &stderr
	if err := checkout.Run(); err != nil {
		return errs.Wrap(errs.EnvPreparationFailure, fmt.Sprintf("checking out %s in %s: %s", commit, dest, stderr.String()), err)
	}
	return nil
}

func runClone(cmd *exec.Cmd, repo string) error {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.EnvPreparationFailure, fmt.Sprintf("cloning %s: %s", repo, stderr.String()), err)
	}
	return nil
}

// projectName derives a filesystem-safe identifier from a repo URL,
// preserving the full path (with slashes turned into dashes) so that
// projects with clashing basenames under different orgs/groups don't
// collide on disk — e.g. ska-telescope-oso-ska-oso-scripting, not just
// ska-oso-scripting.
func projectName(repoURL string) string {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	idx := strings.Index(trimmed, "://")
	path := trimmed
	if idx >= 0 {
		path = trimmed[idx+3:]
		if slash := strings.Index(path, "/"); slash >= 0 {
			path = path[slash+1:]
		}
	}
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "-")
}
