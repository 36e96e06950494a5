// Package abortscript embeds the canned abort script the engine dispatches
// for a two-phase stop (spec.md §4.2 runAbort), mirroring the reference
// runtime's standalone abort.py.
package abortscript

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed abort.lua
var source string

// Source returns the embedded abort script body.
func Source() string {
	return source
}

// Materialize writes the embedded script out to dir/abort.lua and returns
// its file:// URI, the shape ses.Service.abortScriptURI expects — the
// script runs in its own scriptworker process, which only knows how to
// load a script off disk, so the embedded bytes need a real path.
func Materialize(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("abortscript: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "abort.lua")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("abortscript: writing %s: %w", path, err)
	}
	return "file://" + path, nil
}
