package apiworker

import (
	"fmt"

	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// callArgsDTO is the wire shape of one positional/keyword argument bundle
// ("init" or "run") inside a request or response script_args object.
type callArgsDTO struct {
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

func (c callArgsDTO) toProcedureInput() types.ProcedureInput {
	return types.NewProcedureInput(c.Args, c.Kwargs)
}

// gitArgsDTO mirrors types.GitOptions for the wire.
type gitArgsDTO struct {
	GitRepo   string  `json:"git_repo" binding:"required"`
	GitBranch *string `json:"git_branch,omitempty"`
	GitCommit *string `json:"git_commit,omitempty"`
	CreateEnv bool    `json:"create_env,omitempty"`
}

// scriptDTO is the wire shape of an ExecutableScript in a create-procedure
// request and in a procedure response.
type scriptDTO struct {
	ScriptType string      `json:"script_type" binding:"required"`
	ScriptURI  string      `json:"script_uri" binding:"required"`
	GitArgs    *gitArgsDTO `json:"git_args,omitempty"`
}

// toExecutableScript converts the wire DTO into an ExecutableScript. For a
// git-sourced script whose git_args (or git_args.git_repo) is omitted,
// fallback — the configured git-defaults, if any — supplies the repo and
// branch/commit instead of failing the request outright.
func (s scriptDTO) toExecutableScript(fallback *types.GitOptions) (types.ExecutableScript, error) {
	switch types.ScriptType(s.ScriptType) {
	case types.ScriptTypeFilesystem:
		return types.NewFilesystemScript(s.ScriptURI), nil
	case types.ScriptTypeGit:
		args := s.GitArgs
		if (args == nil || args.GitRepo == "") && fallback != nil {
			args = &gitArgsDTO{
				GitRepo:   fallback.Repo,
				GitBranch: fallback.Branch,
				GitCommit: fallback.Commit,
				CreateEnv: fallback.CreateEnv,
			}
		}
		if args == nil {
			return types.ExecutableScript{}, fmt.Errorf("git_args.git_repo is required: no git defaults configured")
		}
		return types.NewGitScript(s.ScriptURI, args.GitRepo, args.GitBranch, args.GitCommit, args.CreateEnv), nil
	default:
		return types.ExecutableScript{}, fmt.Errorf("script type %q is not supported", s.ScriptType)
	}
}

func scriptToDTO(s types.ExecutableScript) scriptDTO {
	dto := scriptDTO{ScriptType: string(s.Type), ScriptURI: s.URI}
	if s.Git != nil {
		dto.GitArgs = &gitArgsDTO{
			GitRepo:   s.Git.Repo,
			GitBranch: s.Git.Branch,
			GitCommit: s.Git.Commit,
			CreateEnv: s.Git.CreateEnv,
		}
	}
	return dto
}

// scriptArgsDTO carries the init/run argument bundles of a create or
// update request.
type scriptArgsDTO struct {
	Init *callArgsDTO `json:"init,omitempty"`
	Run  *callArgsDTO `json:"run,omitempty"`
}

type createProcedureRequest struct {
	Script     scriptDTO      `json:"script" binding:"required"`
	ScriptArgs *scriptArgsDTO `json:"script_args,omitempty"`
}

type updateProcedureRequest struct {
	ScriptArgs *scriptArgsDTO `json:"script_args,omitempty"`
	State      string         `json:"state,omitempty"`
	Abort      bool           `json:"abort,omitempty"`
	ForceStart bool           `json:"force_start,omitempty"`
}

// historyDTO is the wire shape of ProcedureHistory.
type historyDTO struct {
	ProcessStates []stateTransitionDTO `json:"process_states"`
	Stacktrace    *string              `json:"stacktrace,omitempty"`
}

type stateTransitionDTO struct {
	State string `json:"state"`
	At    string `json:"at"`
}

func historyToDTO(h types.ProcedureHistory) historyDTO {
	out := historyDTO{ProcessStates: make([]stateTransitionDTO, len(h.ProcessStates)), Stacktrace: h.Stacktrace}
	for i, st := range h.ProcessStates {
		out.ProcessStates[i] = stateTransitionDTO{State: string(st.State), At: st.At.Format(timeFormat)}
	}
	return out
}

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// procedureResponse is the public JSON shape of a ProcedureSummary.
type procedureResponse struct {
	URI        string                  `json:"uri"`
	Script     scriptDTO               `json:"script"`
	ScriptArgs map[string]callArgsDTO  `json:"script_args"`
	History    historyDTO              `json:"history"`
	State      string                  `json:"state"`
}

func summaryToResponse(baseURL string, s types.ProcedureSummary) procedureResponse {
	scriptArgs := make(map[string]callArgsDTO, len(s.Args))
	for _, capture := range s.Args {
		scriptArgs[capture.Fn] = callArgsDTO{Args: capture.Args.Args, Kwargs: capture.Args.Kwargs}
	}
	return procedureResponse{
		URI:        fmt.Sprintf("%s/procedures/%d", baseURL, s.ID),
		Script:     scriptToDTO(s.Script),
		ScriptArgs: scriptArgs,
		History:    historyToDTO(s.History),
		State:      string(s.State),
	}
}
