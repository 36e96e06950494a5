// Package config resolves engine startup flags in the order spec.md
// §6.3 requires: environment variable overrides an ini-style file, which
// overrides the built-in default. Modeled on the reference runtime's own
// config-file/env layering (cli/config), adapted from YAML to a small
// ini-style reader since no ini library appears anywhere in the corpus.
package config

import (
	"time"

	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// Flags holds every engine startup setting resolved by Resolve.
type Flags struct {
	ListenAddr        string        `ini:"listen_addr"`
	ScriptWorkerPath  string        `ini:"script_worker_path"`
	AbortScriptURI    string        `ini:"abort_script_uri"`
	SandboxBaseDir    string        `ini:"sandbox_base_dir"`
	RequestTimeout    time.Duration `ini:"request_timeout"`
	DiscardFirstEvent bool          `ini:"discard_first_event"`
	// GitDefaultsFile points at a YAML file supplying the git repo/branch
	// REST callers fall back to when they omit git_args.git_repo on a
	// git-sourced create request. Empty means no defaults are configured.
	GitDefaultsFile string `ini:"git_defaults_file"`

	// GitDefaults is resolved from GitDefaultsFile by Resolve; nil when
	// GitDefaultsFile is empty or the file doesn't exist.
	GitDefaults *types.GitOptions `ini:"-"`
}

// Defaults returns the engine's built-in flag values — the last-resort
// layer once neither an env var nor an ini file supplies a setting.
func Defaults() Flags {
	return Flags{
		ListenAddr:       "0.0.0.0:5000",
		ScriptWorkerPath: "oet-scriptworker",
		AbortScriptURI:   "",
		SandboxBaseDir:   "/tmp/oet-sandboxes",
		RequestTimeout:   30 * time.Second,
		// DiscardFirstEvent defaults true per spec §9 Open Question 2.
		// Nothing outside this package reads it, so it never changes
		// behavior — the engine always delivers every event it produces.
		DiscardFirstEvent: true,
	}
}
