package apiworker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/ska-oso-oet-go/eventbus"
	"github.com/ska-telescope/ska-oso-oet-go/execworker"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/procmanager"
	"github.com/ska-telescope/ska-oso-oet-go/ses"
)

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

func newTestWorker(t *testing.T) *ApiWorker {
	bin := buildScriptWorker(t)
	bus := eventbus.New()
	mgr := procmanager.NewManager(bin, nil, oetlog.New("test"))
	svc := ses.New(mgr, bus, "file:///unused/abort.lua", oetlog.New("test"))
	ew := execworker.New("execution_worker", svc, bus, oetlog.New("test"))
	require.NoError(t, ew.Startup(t.Context()))

	return New("api_worker", "127.0.0.1:0", bus, oetlog.New("test"), nil)
}

func doRequest(a *ApiWorker, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)
	return rec
}

func TestCreateProcedureReturns201WithIdleState(t *testing.T) {
	a := newTestWorker(t)
	uri := writeScriptFile(t, `function init(args) end
function main() end`)

	rec := doRequest(a, http.MethodPost, "/api/v1/procedures", map[string]any{
		"script": map[string]any{"script_type": "filesystem", "script_uri": uri},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	var proc procedureResponse
	require.NoError(t, json.Unmarshal(body["procedure"], &proc))
	// The create response snapshots state inside the LOADING->IDLE
	// "created" callback, before IDLE->READY is applied.
	assert.Equal(t, "IDLE", proc.State)
}

func TestCreateProcedureRejectsUnsupportedScriptType(t *testing.T) {
	a := newTestWorker(t)
	rec := doRequest(a, http.MethodPost, "/api/v1/procedures", map[string]any{
		"script": map[string]any{"script_type": "bogus", "script_uri": "file:///x.lua"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestListAndGetProcedureRoundTrip(t *testing.T) {
	a := newTestWorker(t)
	uri := writeScriptFile(t, `function init(args) end
function main() end`)

	createRec := doRequest(a, http.MethodPost, "/api/v1/procedures", map[string]any{
		"script": map[string]any{"script_type": "filesystem", "script_uri": uri},
	})
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	procURI := created["procedure"]["uri"].(string)
	id := procURI[len(procURI)-1:]

	listRec := doRequest(a, http.MethodGet, "/api/v1/procedures", nil)
	require.Equal(t, http.StatusOK, listRec.Code)

	getRec := doRequest(a, http.MethodGet, "/api/v1/procedures/"+id, nil)
	require.Equal(t, http.StatusOK, getRec.Code, getRec.Body.String())
}

func TestGetProcedureReturns404ForUnknownID(t *testing.T) {
	a := newTestWorker(t)
	rec := doRequest(a, http.MethodGet, "/api/v1/procedures/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateProcedureStartsAndReachesComplete(t *testing.T) {
	a := newTestWorker(t)
	uri := writeScriptFile(t, `function init(args) end
function main() end`)

	createRec := doRequest(a, http.MethodPost, "/api/v1/procedures", map[string]any{
		"script": map[string]any{"script_type": "filesystem", "script_uri": uri},
	})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created map[string]map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	procURI := created["procedure"]["uri"].(string)
	id := procURI[len(procURI)-1:]

	readyDeadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(readyDeadline) {
		getRec := doRequest(a, http.MethodGet, "/api/v1/procedures/"+id, nil)
		var body map[string]map[string]any
		require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
		if body["procedure"]["state"] == "READY" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	startRec := doRequest(a, http.MethodPut, "/api/v1/procedures/"+id, map[string]any{
		"state": "RUNNING",
	})
	require.Equal(t, http.StatusOK, startRec.Code, startRec.Body.String())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		getRec := doRequest(a, http.MethodGet, "/api/v1/procedures/"+id, nil)
		var body map[string]map[string]any
		require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
		if body["procedure"]["state"] == "COMPLETE" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("procedure did not reach COMPLETE in time")
}
