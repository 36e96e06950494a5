package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// gitDefaultsDoc is the on-disk shape of the git-defaults file: the repo
// and branch/commit an operator wants every git-sourced script to fall
// back to when a create request's git_args.git_repo is empty. Unlike the
// flat ini settings, this is genuinely nested (branch/commit are a
// mutually exclusive pair nested under a single repo), so it's read with
// yaml.v3 rather than folded into the ini reader.
type gitDefaultsDoc struct {
	Repo      string  `yaml:"git_repo"`
	Branch    *string `yaml:"git_branch,omitempty"`
	Commit    *string `yaml:"git_commit,omitempty"`
	CreateEnv bool    `yaml:"create_env"`
}

// LoadGitDefaults reads the YAML file at path and returns the GitOptions
// operators want substituted in whenever a create request omits git_repo
// for a git-sourced script. An empty path or a missing file both return
// (nil, nil): defaults are optional.
func LoadGitDefaults(path string) (*types.GitOptions, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read git defaults file %s: %w", path, err)
	}

	var doc gitDefaultsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid git defaults file %s: %w", path, err)
	}
	if doc.Repo == "" {
		return nil, fmt.Errorf("git defaults file %s: git_repo is required", path)
	}

	opts := &types.GitOptions{
		Repo:      doc.Repo,
		Branch:    doc.Branch,
		Commit:    doc.Commit,
		CreateEnv: doc.CreateEnv,
	}
	if opts.Branch == nil && opts.Commit == nil {
		b := DefaultGitBranch
		opts.Branch = &b
	}
	return opts, nil
}

// DefaultGitBranch mirrors types' own branch default so this package
// doesn't need to reach into an unexported constant.
const DefaultGitBranch = "master"
