package procmanager

import (
	"io"
	"os/exec"
	"time"

	"github.com/ska-telescope/ska-oso-oet-go/ipc"
)

// childProcess wraps the oet-scriptworker OS process backing one
// procedure: its stdin (for sending CallFrame/StopFrame) and a channel
// closed once the process has actually exited. Only the owning spawn
// goroutine ever calls cmd.Wait — everything else waits on done instead,
// since exec.Cmd.Wait may only be called once.
type childProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

// requestStop asks the child to stop cooperatively and waits up to grace
// for it to exit on its own before force-killing it.
func (c *childProcess) requestStop(grace time.Duration) {
	_ = ipc.WriteFrame(c.stdin, ipc.StopFrame{Type: ipc.StopType})
	select {
	case <-c.done:
	case <-time.After(grace):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}
