package abortscript

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/ska-oso-oet-go/ipc"
	"github.com/ska-telescope/ska-oso-oet-go/scriptworker"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

func TestMaterializeWritesLoadableScript(t *testing.T) {
	uri, err := Materialize(t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, uri, "file://")

	path := uri[len("file://"):]
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, source, string(data))
}

func TestMaterializeCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "abort")
	uri, err := Materialize(dir)
	require.NoError(t, err)
	assert.FileExists(t, uri[len("file://"):])
}

func readLifecycleStates(t *testing.T, out *bytes.Buffer) []string {
	t.Helper()
	dec := ipc.NewFrameDecoder(bytes.NewReader(out.Bytes()))
	var states []string
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			break
		}
		f, err := ipc.DecodeFrame(payload)
		require.NoError(t, err)
		if lf, ok := f.(ipc.LifecycleFrame); ok {
			states = append(states, lf.State)
		}
	}
	return states
}

func TestAbortScriptCompletesOnceBoundToASubarray(t *testing.T) {
	uri, err := Materialize(t.TempDir())
	require.NoError(t, err)

	var in, out bytes.Buffer
	require.NoError(t, ipc.WriteFrame(&in, ipc.InitFrame{
		Type:      ipc.InitType,
		ScriptURI: uri,
		InitArgs:  types.NewProcedureInput(nil, map[string]any{"subarray_id": int64(1)}),
	}))
	require.NoError(t, ipc.WriteFrame(&in, ipc.CallFrame{Type: ipc.CallType, FnName: "main"}))

	r := scriptworker.NewRunner(bytes.NewReader(in.Bytes()), &out)
	defer r.Close()
	require.NoError(t, r.Run())

	assert.Equal(t, []string{"LOADING", "IDLE", "READY", "RUNNING", "COMPLETE"}, readLifecycleStates(t, &out))
}

func TestAbortScriptFailsIfMainCalledBeforeInitBindsASubarray(t *testing.T) {
	uri, err := Materialize(t.TempDir())
	require.NoError(t, err)

	var in, out bytes.Buffer
	require.NoError(t, ipc.WriteFrame(&in, ipc.InitFrame{Type: ipc.InitType, ScriptURI: uri}))
	require.NoError(t, ipc.WriteFrame(&in, ipc.CallFrame{Type: ipc.CallType, FnName: "main"}))

	r := scriptworker.NewRunner(bytes.NewReader(in.Bytes()), &out)
	defer r.Close()
	require.Error(t, r.Run())

	states := readLifecycleStates(t, &out)
	assert.Contains(t, states, "FAILED")
}
