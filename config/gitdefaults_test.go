package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGitDefaultsReturnsNilForEmptyPath(t *testing.T) {
	got, err := LoadGitDefaults("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadGitDefaultsReturnsNilForMissingFile(t *testing.T) {
	got, err := LoadGitDefaults(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadGitDefaultsParsesRepoAndBranch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
git_repo: https://gitlab.com/ska-telescope/oso/ska-oso-scripting
git_branch: develop
create_env: true
`), 0o600))

	got, err := LoadGitDefaults(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://gitlab.com/ska-telescope/oso/ska-oso-scripting", got.Repo)
	require.NotNil(t, got.Branch)
	assert.Equal(t, "develop", *got.Branch)
	assert.Nil(t, got.Commit)
	assert.True(t, got.CreateEnv)
}

func TestLoadGitDefaultsDefaultsBranchWhenNeitherGiven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("git_repo: https://example.invalid/repo.git\n"), 0o600))

	got, err := LoadGitDefaults(path)
	require.NoError(t, err)
	require.NotNil(t, got.Branch)
	assert.Equal(t, DefaultGitBranch, *got.Branch)
}

func TestLoadGitDefaultsRejectsMissingRepo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("create_env: true\n"), 0o600))

	_, err := LoadGitDefaults(path)
	require.Error(t, err)
}

func TestResolveWiresGitDefaultsFileThroughToFlags(t *testing.T) {
	defaultsPath := filepath.Join(t.TempDir(), "git-defaults.yaml")
	require.NoError(t, os.WriteFile(defaultsPath, []byte("git_repo: https://example.invalid/repo.git\n"), 0o600))

	iniPath := filepath.Join(t.TempDir(), "oet.ini")
	require.NoError(t, os.WriteFile(iniPath, []byte("git_defaults_file = "+defaultsPath+"\n"), 0o600))

	f, err := Resolve(iniPath)
	require.NoError(t, err)
	require.NotNil(t, f.GitDefaults)
	assert.Equal(t, "https://example.invalid/repo.git", f.GitDefaults.Repo)
}
