// Package ipc implements the length-prefixed, msgpack-encoded framing
// protocol spoken between ProcessManager and each script worker child
// process over its stdin/stdout pipes. Adapted from the reference
// runtime's own executor/IPC contract (a 4-byte big-endian length prefix
// followed by a msgpack payload, with the frame's "type" field probed
// without a full unmarshal to pick the right concrete struct).
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// MaxFrameSize bounds a single frame's payload to guard against a
// misbehaving script worker exhausting memory on a corrupt length prefix.
const (
	MaxFrameSize     = 8 * 1024 * 1024
	LengthPrefixSize = 4
	MaxPayloadSize   = MaxFrameSize - LengthPrefixSize
)

// Frame type discriminants, carried in every frame's "type" field.
const (
	InitType       = "init"
	CallType       = "call"
	StopType       = "stop"
	ReadyType      = "ready"
	LifecycleType  = "lifecycle"
	StacktraceType = "stacktrace"
	ResultType     = "result"
)

// FrameErrorKind classifies a framing failure.
type FrameErrorKind int

const (
	ErrPartial FrameErrorKind = iota
	ErrTooLarge
	ErrDecode
)

// FrameError is returned for any failure reading or decoding a frame.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ipc: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("ipc: %s", e.Msg)
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFatal reports whether err should terminate the connection rather
// than simply being logged and skipped. Any framing error is fatal: once
// the length-prefix stream desyncs there is no way to resync, so the
// connection must be torn down rather than continuing to read frames.
func IsFatal(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// InitFrame is sent parent -> child exactly once at startup: which
// script to load and the arguments for its init call.
type InitFrame struct {
	Type         string               `msgpack:"type"`
	ProcID       int64                `msgpack:"proc_id"`
	ScriptURI    string               `msgpack:"script_uri"`
	SitePackages string               `msgpack:"site_packages,omitempty"`
	InitArgs     types.ProcedureInput `msgpack:"init_args"`
}

// CallFrame asks the child to invoke a named function exported by the
// loaded script (e.g. "main") with the given arguments.
type CallFrame struct {
	Type    string               `msgpack:"type"`
	FnName  string               `msgpack:"fn_name"`
	RunArgs types.ProcedureInput `msgpack:"run_args"`
}

// StopFrame asks the child to stop cooperatively.
type StopFrame struct {
	Type string `msgpack:"type"`
}

// ReadyFrame is a decodable frame type that the script worker does not
// send: it reports readiness (init has returned, CallFrames accepted)
// with a LifecycleFrame whose State is READY.
type ReadyFrame struct {
	Type string `msgpack:"type"`
}

// LifecycleFrame reports a state transition observed by the child.
type LifecycleFrame struct {
	Type  string `msgpack:"type"`
	State string `msgpack:"state"`
}

// StacktraceFrame carries a captured stack trace after a script error.
type StacktraceFrame struct {
	Type       string `msgpack:"type"`
	Stacktrace string `msgpack:"stacktrace"`
}

// ResultFrame reports the outcome of a CallFrame invocation.
type ResultFrame struct {
	Type   string `msgpack:"type"`
	FnName string `msgpack:"fn_name"`
	Error  string `msgpack:"error,omitempty"`
}

// FrameDecoder reads length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	r *bufio.Reader
}

// NewFrameDecoder wraps r for frame-at-a-time reading.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: bufio.NewReader(r)}
}

// ReadFrame reads one length-prefixed payload off the stream. It returns
// io.EOF when the stream ends cleanly between frames.
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: ErrPartial, Msg: "reading length prefix", Err: err}
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxPayloadSize {
		return nil, &FrameError{Kind: ErrTooLarge, Msg: fmt.Sprintf("payload of %d bytes exceeds max %d", n, MaxPayloadSize)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, &FrameError{Kind: ErrPartial, Msg: "reading payload", Err: err}
	}
	return payload, nil
}

// probeType extracts just the "type" discriminant from a msgpack-encoded
// map payload, without fully unmarshaling into a concrete struct.
func probeType(payload []byte) (string, error) {
	var probe struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return "", err
	}
	return probe.Type, nil
}

// DecodeFrame probes payload's type and unmarshals it into the matching
// concrete frame struct, returned as `any`.
func DecodeFrame(payload []byte) (any, error) {
	kind, err := probeType(payload)
	if err != nil {
		return nil, &FrameError{Kind: ErrDecode, Msg: "probing frame type", Err: err}
	}
	switch kind {
	case InitType:
		var f InitFrame
		return decodeInto(payload, &f)
	case CallType:
		var f CallFrame
		return decodeInto(payload, &f)
	case StopType:
		var f StopFrame
		return decodeInto(payload, &f)
	case ReadyType:
		var f ReadyFrame
		return decodeInto(payload, &f)
	case LifecycleType:
		var f LifecycleFrame
		return decodeInto(payload, &f)
	case StacktraceType:
		var f StacktraceFrame
		return decodeInto(payload, &f)
	case ResultType:
		var f ResultFrame
		return decodeInto(payload, &f)
	default:
		return nil, &FrameError{Kind: ErrDecode, Msg: fmt.Sprintf("unknown frame type %q", kind)}
	}
}

func decodeInto[T any](payload []byte, out *T) (T, error) {
	if err := msgpack.Unmarshal(payload, out); err != nil {
		var zero T
		return zero, &FrameError{Kind: ErrDecode, Msg: "decoding frame body", Err: err}
	}
	return *out, nil
}

// EncodeFrame msgpack-encodes frame and wraps it with a 4-byte
// big-endian length prefix, ready to be written to the wire.
func EncodeFrame(frame any) ([]byte, error) {
	body, err := msgpack.Marshal(frame)
	if err != nil {
		return nil, &FrameError{Kind: ErrDecode, Msg: "encoding frame", Err: err}
	}
	if len(body) > MaxPayloadSize {
		return nil, &FrameError{Kind: ErrTooLarge, Msg: fmt.Sprintf("encoded frame of %d bytes exceeds max %d", len(body), MaxPayloadSize)}
	}
	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)
	return buf, nil
}

// WriteFrame encodes frame and writes it to w in one call.
func WriteFrame(w io.Writer, frame any) error {
	buf, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
