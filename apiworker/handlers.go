package apiworker

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ska-telescope/ska-oso-oet-go/errs"
	"github.com/ska-telescope/ska-oso-oet-go/topics"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

type errorBody struct {
	Error   string `json:"error"`
	Type    string `json:"type"`
	Message string `json:"Message"`
}

func writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := errs.New(kind, "").HTTPStatus()
	c.JSON(status, errorBody{
		Error:   http.StatusText(status),
		Type:    string(kind),
		Message: err.Error(),
	})
}

func (a *ApiWorker) baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + a.routePrefix
}

// listProcedures handles GET /procedures.
func (a *ApiWorker) listProcedures(c *gin.Context) {
	msg, err := a.bridge.Call(c.Request.Context(), topics.RequestProcedureList, topics.ProcedurePoolList, map[string]any{})
	if err != nil {
		writeError(c, err)
		return
	}
	summaries, _ := msg.Payload["result"].([]types.ProcedureSummary)
	out := make([]procedureResponse, len(summaries))
	for i, s := range summaries {
		out[i] = summaryToResponse(a.baseURL(c), s)
	}
	c.JSON(http.StatusOK, gin.H{"procedures": out})
}

// getProcedure handles GET /procedures/:id.
func (a *ApiWorker) getProcedure(c *gin.Context) {
	id, ok := parseProcedureID(c)
	if !ok {
		return
	}
	summary, err := a.fetchOne(c, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"procedure": summaryToResponse(a.baseURL(c), summary)})
}

// createProcedure handles POST /procedures.
func (a *ApiWorker) createProcedure(c *gin.Context) {
	var req createProcedureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.MalformedRequest, err.Error()))
		return
	}

	script, convErr := req.Script.toExecutableScript(a.gitDefaults)
	if convErr != nil {
		writeError(c, errs.New(errs.MalformedRequest, convErr.Error()))
		return
	}

	var initArgs callArgsDTO
	if req.ScriptArgs != nil && req.ScriptArgs.Init != nil {
		initArgs = *req.ScriptArgs.Init
	}

	msg, err := a.bridge.Call(c.Request.Context(), topics.RequestProcedureCreate, topics.ProcedureLifecycleCreated, map[string]any{
		"script":    script,
		"init_args": initArgs.toProcedureInput(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	summary, _ := msg.Payload["result"].(types.ProcedureSummary)
	c.JSON(http.StatusCreated, gin.H{"procedure": summaryToResponse(a.baseURL(c), summary)})
}

// updateProcedure handles PUT /procedures/:id: starting a prepared
// procedure, or stopping (optionally with abort) a running one.
func (a *ApiWorker) updateProcedure(c *gin.Context) {
	id, ok := parseProcedureID(c)
	if !ok {
		return
	}
	current, err := a.fetchOne(c, id)
	if err != nil {
		writeError(c, err)
		return
	}

	var req updateProcedureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.MalformedRequest, err.Error()))
		return
	}

	switch {
	case req.State == string(types.StateStopped):
		a.stopProcedure(c, id, current, req)
	case req.State == string(types.StateRunning):
		a.startProcedure(c, id, req)
	default:
		c.JSON(http.StatusOK, gin.H{"procedure": summaryToResponse(a.baseURL(c), current)})
	}
}

func (a *ApiWorker) stopProcedure(c *gin.Context, id types.ProcedureID, current types.ProcedureSummary, req updateProcedureRequest) {
	if current.State != types.StateRunning {
		c.JSON(http.StatusOK, gin.H{"abort_message": fmt.Sprintf("Cannot stop script with ID %d: Script is not running", id)})
		return
	}

	msg, err := a.bridge.Call(c.Request.Context(), topics.RequestProcedureStop, topics.ProcedureLifecycleStopped, map[string]any{
		"procedure_id": id,
		"run_abort":    req.Abort,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	summaries, _ := msg.Payload["result"].([]types.ProcedureSummary)
	message := fmt.Sprintf("Successfully stopped script with ID %d", id)
	if len(summaries) > 1 {
		message += " and aborted subarray activity"
	}
	c.JSON(http.StatusOK, gin.H{"abort_message": message})
}

func (a *ApiWorker) startProcedure(c *gin.Context, id types.ProcedureID, req updateProcedureRequest) {
	var runArgs callArgsDTO
	if req.ScriptArgs != nil && req.ScriptArgs.Run != nil {
		runArgs = *req.ScriptArgs.Run
	}

	msg, err := a.bridge.Call(c.Request.Context(), topics.RequestProcedureStart, topics.ProcedureLifecycleStarted, map[string]any{
		"procedure_id": id,
		"fn":           "main",
		"run_args":     runArgs.toProcedureInput(),
		"force_start":  req.ForceStart,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	summary, _ := msg.Payload["result"].(types.ProcedureSummary)
	c.JSON(http.StatusOK, gin.H{"procedure": summaryToResponse(a.baseURL(c), summary)})
}

func (a *ApiWorker) fetchOne(c *gin.Context, id types.ProcedureID) (types.ProcedureSummary, error) {
	msg, err := a.bridge.Call(c.Request.Context(), topics.RequestProcedureList, topics.ProcedurePoolList, map[string]any{
		"pids": []types.ProcedureID{id},
	})
	if err != nil {
		return types.ProcedureSummary{}, err
	}
	summaries, _ := msg.Payload["result"].([]types.ProcedureSummary)
	if len(summaries) == 0 {
		return types.ProcedureSummary{}, errs.New(errs.ResourceNotFound, "no procedure with that id")
	}
	return summaries[0], nil
}

func parseProcedureID(c *gin.Context) (types.ProcedureID, bool) {
	raw := c.Param("id")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(c, errs.New(errs.MalformedRequest, "procedure id must be an integer"))
		return 0, false
	}
	return types.ProcedureID(n), true
}
