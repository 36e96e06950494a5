// Command oet-scriptworker is the child-process entrypoint spawned by
// procmanager for every prepared procedure. It speaks the framed IPC
// protocol (package ipc) over its stdin/stdout and hosts the procedure's
// script in an embedded Lua interpreter (package scriptworker). It has
// no other responsibilities and is never invoked directly by a user.
package main

import (
	"fmt"
	"os"

	"github.com/ska-telescope/ska-oso-oet-go/scriptworker"
)

func main() {
	r := scriptworker.NewRunner(os.Stdin, os.Stdout)
	defer r.Close()

	if err := r.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "oet-scriptworker:", err)
		os.Exit(1)
	}
}
