package procmanager

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/ska-oso-oet-go/environment"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// initLocalGitRepo creates a tiny local git repository with script.lua at
// its root (requiring a sibling extra.lua module) and returns its path,
// mirroring environment package's own git fixture helper.
func initLocalGitRepo(t *testing.T) (repoPath string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available, skipping")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.local",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.local",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "script.lua"), []byte(`
local extra = require("extra")
function init(args) end
function main() extra.touch() end
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.lua"), []byte(`
local M = {}
function M.touch() end
return M
`), 0o600))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

// buildScriptWorker compiles the real oet-scriptworker binary for use as
// the child process under test, mirroring the reference runtime's own
// pattern of spawning a real built artifact and skipping when it isn't
// available rather than faking the subprocess boundary.
func buildScriptWorker(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "oet-scriptworker")
	cmd := exec.Command("go", "build", "-o", bin, "../cmd/oet-scriptworker")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not build oet-scriptworker, skipping: %v\n%s", err, out)
	}
	return bin
}

func writeScriptFile(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return "file://" + path
}

type transitionRecorder struct {
	mu   sync.Mutex
	seen map[types.ProcedureID][]types.ProcedureState
}

func newTransitionRecorder() *transitionRecorder {
	return &transitionRecorder{seen: make(map[types.ProcedureID][]types.ProcedureState)}
}

func (r *transitionRecorder) record(id types.ProcedureID, _, current types.ProcedureState, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[id] = append(r.seen[id], current)
}

func (r *transitionRecorder) statesFor(id types.ProcedureID) []types.ProcedureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ProcedureState, len(r.seen[id]))
	copy(out, r.seen[id])
	return out
}

func waitForState(t *testing.T, m *Manager, id types.ProcedureID, want types.ProcedureState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		summaries, err := m.Summarise([]types.ProcedureID{id})
		require.NoError(t, err)
		if summaries[0].State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("procedure %d did not reach state %s in time", id, want)
}

func TestManagerHappyPathReachesReadyThenComplete(t *testing.T) {
	bin := buildScriptWorker(t)
	uri := writeScriptFile(t, `function init(args) end
function main() end`)

	logger := oetlog.New("test")
	m := NewManager(bin, nil, logger)
	rec := newTransitionRecorder()
	m.OnTransition(rec.record)

	id, err := m.Create(types.NewFilesystemScript(uri), types.ProcedureInput{})
	require.NoError(t, err)

	waitForState(t, m, id, types.StateReady, 5*time.Second)

	_, err = m.Run(id, "main", types.ProcedureInput{}, false)
	require.NoError(t, err)

	waitForState(t, m, id, types.StateComplete, 5*time.Second)

	states := rec.statesFor(id)
	assert.Contains(t, states, types.StateLoading)
	assert.Contains(t, states, types.StateIdle)
	assert.Contains(t, states, types.StateReady)
	assert.Contains(t, states, types.StateRunning)
	assert.Contains(t, states, types.StateComplete)
}

func TestManagerRunRejectsWhenNotReady(t *testing.T) {
	bin := buildScriptWorker(t)
	uri := writeScriptFile(t, `function init(args) end
function main() end`)

	m := NewManager(bin, nil, oetlog.New("test"))
	id, err := m.Create(types.NewFilesystemScript(uri), types.ProcedureInput{})
	require.NoError(t, err)

	_, err = m.Run(id, "main", types.ProcedureInput{}, false)
	require.Error(t, err)
}

func TestManagerStopIsIdempotentOnTerminalProcedure(t *testing.T) {
	bin := buildScriptWorker(t)
	uri := writeScriptFile(t, `function init(args) end
function main() end`)

	m := NewManager(bin, nil, oetlog.New("test"))
	id, err := m.Create(types.NewFilesystemScript(uri), types.ProcedureInput{})
	require.NoError(t, err)

	waitForState(t, m, id, types.StateReady, 5*time.Second)

	first, err := m.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, first.State)

	second, err := m.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, second.State)
}

func TestManagerCreateRejectsUnsupportedScriptType(t *testing.T) {
	m := NewManager("/bin/true", nil, oetlog.New("test"))
	_, err := m.Create(types.ExecutableScript{Type: "bogus"}, types.ProcedureInput{})
	require.Error(t, err)
}

func TestManagerSummariseReturnsResourceNotFoundForUnknownID(t *testing.T) {
	m := NewManager("/bin/true", nil, oetlog.New("test"))
	_, err := m.Summarise([]types.ProcedureID{999})
	require.Error(t, err)
}

func TestManagerHistoryEvictsOldestDeletableRecordsBeyondHistoryMax(t *testing.T) {
	m := NewManager("/bin/true", nil, oetlog.New("test"))

	// Manually populate procedureState entries already in a terminal state,
	// bypassing the real spawn path, to exercise pruneLocked in isolation.
	for i := 1; i <= HistoryMax+2; i++ {
		id := types.ProcedureID(i)
		record := &types.ProcedureRecord{ID: id, State: types.StateComplete}
		m.procedures[id] = &procedureState{record: record}
		m.order = append(m.order, id)
	}
	m.mu.Lock()
	m.pruneLocked()
	m.mu.Unlock()

	summaries, err := m.Summarise(nil)
	require.NoError(t, err)
	assert.Len(t, summaries, HistoryMax)
	// The oldest two (ids 1 and 2) should have been evicted.
	for _, s := range summaries {
		assert.Greater(t, int(s.ID), 2)
	}
}

func TestManagerHistoryKeepsNonDeletableOldRecordsBeyondHistoryMax(t *testing.T) {
	m := NewManager("/bin/true", nil, oetlog.New("test"))

	for i := 1; i <= HistoryMax+2; i++ {
		id := types.ProcedureID(i)
		state := types.StateComplete
		if i == 1 {
			// Still running: must survive eviction even though it is the
			// oldest entry, per the original engine's exact eviction rule.
			state = types.StateRunning
		}
		record := &types.ProcedureRecord{ID: id, State: state}
		m.procedures[id] = &procedureState{record: record}
		m.order = append(m.order, id)
	}
	m.mu.Lock()
	m.pruneLocked()
	m.mu.Unlock()

	summaries, err := m.Summarise(nil)
	require.NoError(t, err)
	// 11 entries survive: the still-running id 1 plus the newest 10.
	assert.Len(t, summaries, HistoryMax+1)
	ids := make(map[int]bool)
	for _, s := range summaries {
		ids[int(s.ID)] = true
	}
	assert.True(t, ids[1])
}

func TestManagerGitSourcedScriptWithCreateEnvResolvesSiblingRequire(t *testing.T) {
	bin := buildScriptWorker(t)
	repo := initLocalGitRepo(t)

	env := environment.NewManager(t.TempDir(), oetlog.New("test"))
	m := NewManager(bin, env, oetlog.New("test"))

	script := types.NewGitScript("script.lua", repo, nil, nil, true)
	script.Git.Branch = stringPtr("main")
	id, err := m.Create(script, types.ProcedureInput{})
	require.NoError(t, err)

	waitForState(t, m, id, types.StateReady, 5*time.Second)

	_, err = m.Run(id, "main", types.ProcedureInput{}, false)
	require.NoError(t, err)

	waitForState(t, m, id, types.StateComplete, 5*time.Second)
}

func TestManagerGitSourcedScriptWithoutCreateEnvFailsOnUnresolvedRequire(t *testing.T) {
	bin := buildScriptWorker(t)
	repo := initLocalGitRepo(t)

	env := environment.NewManager(t.TempDir(), oetlog.New("test"))
	m := NewManager(bin, env, oetlog.New("test"))

	script := types.NewGitScript("script.lua", repo, nil, nil, false)
	script.Git.Branch = stringPtr("main")
	id, err := m.Create(script, types.ProcedureInput{})
	require.NoError(t, err)

	// Without CreateEnv the cloned sandbox never joins package.path, so
	// the script's own require("extra") fails at load time.
	waitForState(t, m, id, types.StateFailed, 5*time.Second)
}

func TestManagerGitSourcedScriptFailsWithoutAnEnvironmentManager(t *testing.T) {
	m := NewManager("/bin/true", nil, oetlog.New("test"))
	script := types.NewGitScript("script.lua", "https://example.invalid/repo.git", nil, nil, false)
	_, _, err := m.resolveScriptSource(script)
	require.Error(t, err)
}

func stringPtr(s string) *string { return &s }
