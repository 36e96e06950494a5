// Package environment prepares isolated sandboxes for git-sourced
// scripts: resolving the commit a GitOptions points at, cloning it onto
// local disk exactly once per commit, and handing back an
// EnvironmentRecord callers can resolve script URIs against.
package environment

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ska-telescope/ska-oso-oet-go/errs"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// entry tracks one in-flight-or-finished preparation. done is closed
// exactly once, by whichever goroutine performs the clone, after record
// (or err) is set — collapsing the original's separate creating/created
// multiprocessing.Event pair into a single map-existence-plus-done-
// channel scheme, since Go's in-process model doesn't need a distinct
// "creation started" signal visible across a process boundary.
type entry struct {
	done   chan struct{}
	record types.EnvironmentRecord
	err    error
}

// Manager is EnvironmentManager: it dedups concurrent prepare calls for
// the same resolved commit so exactly one clone happens, per spec.md §8
// testable property 6.
type Manager struct {
	baseDir string
	logger  *oetlog.Logger

	mu   sync.Mutex
	envs map[types.EnvironmentID]*entry
}

// NewManager roots all prepared sandboxes under baseDir (created if
// absent).
func NewManager(baseDir string, logger *oetlog.Logger) *Manager {
	return &Manager{
		baseDir: baseDir,
		logger:  logger.With(map[string]any{"component": "environment_manager"}),
		envs:    make(map[types.EnvironmentID]*entry),
	}
}

// Prepare resolves git's commit, then clones it into a per-commit
// directory under baseDir — once per distinct commit, however many
// concurrent callers ask for it. Callers racing on the same commit all
// block on the same entry.done and receive the same record (or error).
func (m *Manager) Prepare(ctx context.Context, git types.GitOptions) (types.EnvironmentRecord, error) {
	branch := ""
	if git.Branch != nil {
		branch = *git.Branch
	}

	commit := ""
	if git.Commit != nil {
		commit = *git.Commit
	} else {
		resolved, err := resolveCommitHash(ctx, git.Repo, branch)
		if err != nil {
			return types.EnvironmentRecord{}, err
		}
		commit = resolved
	}
	envID := types.EnvironmentID(commit)

	m.mu.Lock()
	if e, ok := m.envs[envID]; ok {
		m.mu.Unlock()
		<-e.done
		return e.record, e.err
	}
	e := &entry{done: make(chan struct{})}
	m.envs[envID] = e
	m.mu.Unlock()

	e.record, e.err = m.create(ctx, envID, git, branch, commit)
	close(e.done)

	if e.err != nil {
		m.mu.Lock()
		delete(m.envs, envID)
		m.mu.Unlock()
	}
	return e.record, e.err
}

// create performs the actual clone+checkout for a resolved commit that
// hasn't been prepared before.
func (m *Manager) create(ctx context.Context, envID types.EnvironmentID, git types.GitOptions, branch, commit string) (types.EnvironmentRecord, error) {
	name := projectName(git.Repo)
	dest := filepath.Join(m.baseDir, string(envID), name)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return types.EnvironmentRecord{}, errs.Wrap(errs.EnvPreparationFailure, "creating sandbox parent directory", err)
	}

	var cloneErr error
	if git.Commit == nil {
		cloneErr = cloneShallow(ctx, git.Repo, branch, dest)
	} else {
		cloneErr = cloneFullAndCheckout(ctx, git.Repo, commit, dest)
	}
	if cloneErr != nil {
		return types.EnvironmentRecord{}, cloneErr
	}

	m.logger.Info("prepared sandbox", map[string]any{"repo": git.Repo, "commit": commit, "location": dest})

	return types.EnvironmentRecord{
		EnvID:        envID,
		Location:     dest,
		SitePackages: dest,
		Repo:         git.Repo,
		Commit:       commit,
	}, nil
}

// Delete removes a prepared sandbox from disk and forgets it, so a
// later Prepare for the same commit clones fresh.
func (m *Manager) Delete(envID types.EnvironmentID) error {
	m.mu.Lock()
	e, ok := m.envs[envID]
	delete(m.envs, envID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	<-e.done
	if e.err != nil {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(m.baseDir, string(envID))); err != nil {
		return errs.Wrap(errs.EnvPreparationFailure, "removing sandbox", err)
	}
	return nil
}
