package environment

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initLocalRepo creates a throwaway local git repository with one commit
// on branch main and a second commit on branch feature, returning its
// filesystem path (usable directly as a "repo" URL for git clone/ls-remote)
// along with the hex commit hashes of each tip.
func initLocalRepo(t *testing.T) (repoPath string, mainHash string, featureHash string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available, skipping")
	}

	dir := t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.local",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.local",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
		return string(out)
	}

	run("init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "script.lua"), []byte("function main() end"), 0o600))
	run("add", ".")
	run("commit", "-m", "initial")
	mainHash = firstField(run("rev-parse", "HEAD"))

	run("checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.lua"), []byte("function extra() end"), 0o600))
	run("add", ".")
	run("commit", "-m", "feature work")
	featureHash = firstField(run("rev-parse", "HEAD"))

	run("checkout", "main")
	return dir, mainHash, featureHash
}

func firstField(s string) string {
	for i, r := range s {
		if r == '\n' || r == ' ' || r == '\t' {
			return s[:i]
		}
	}
	return s
}

func TestResolveCommitHashDefaultBranchMatchesHead(t *testing.T) {
	repo, mainHash, _ := initLocalRepo(t)
	hash, err := resolveCommitHash(context.Background(), repo, "")
	require.NoError(t, err)
	require.Equal(t, mainHash, hash)
}

func TestResolveCommitHashNamedBranchMatchesItsTip(t *testing.T) {
	repo, _, featureHash := initLocalRepo(t)
	hash, err := resolveCommitHash(context.Background(), repo, "feature")
	require.NoError(t, err)
	require.Equal(t, featureHash, hash)
}

func TestCloneShallowProducesWorkingTree(t *testing.T) {
	repo, _, _ := initLocalRepo(t)
	dest := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, cloneShallow(context.Background(), repo, "main", dest))
	_, err := os.Stat(filepath.Join(dest, "script.lua"))
	require.NoError(t, err)
}

func TestCloneFullAndCheckoutLandsOnRequestedCommit(t *testing.T) {
	repo, mainHash, _ := initLocalRepo(t)
	dest := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, cloneFullAndCheckout(context.Background(), repo, mainHash, dest))

	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dest
	out, err := cmd.CombinedOutput()
	require.NoError(t, err)
	require.Equal(t, mainHash, firstField(string(out)))

	if _, err := os.Stat(filepath.Join(dest, "extra.lua")); err == nil {
		t.Fatalf("checked out commit should not contain feature-branch-only file")
	}
}

func TestProjectNameDerivesFromRepoURL(t *testing.T) {
	cases := map[string]string{
		"https://gitlab.com/ska-telescope/oso/ska-oso-scripting.git": "ska-telescope-oso-ska-oso-scripting",
		"https://github.com/example/proj":                            "example-proj",
		"git@github.com:example/proj.git":                            "git@github.com:example-proj",
	}
	for in, want := range cases {
		require.Equal(t, want, projectName(in), in)
	}
}
