package mount

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"k8s.io/klog/v2"
)

// CmdState classifies how an external command finished.
type CmdState int

const (
	// CmdOK means the command exited zero within its deadline
	CmdOK CmdState = iota

	// CmdFailed means the command exited non-zero
	CmdFailed

	// CmdTimedOut means the command was killed at its deadline
	CmdTimedOut
)

// CmdResult captures the outcome of one external command.
type CmdResult struct {
	State    CmdState
	ExitCode int // -1 when the command did not run to completion
	Stdout   string
	Stderr   string
	Err      error
}

// run executes name with args under a deadline, capturing stdout and stderr
// separately. CommandContext kills the process at the deadline, so a hung
// umount or mount cannot stall the whole run.
func (o *Ops) run(ctx context.Context, timeout time.Duration, name string, args ...string) CmdResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := o.execCommand(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := CmdResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Err:    err,
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.State = CmdTimedOut
		res.ExitCode = -1
		res.Err = fmt.Errorf("%s timed out after %v", name, timeout)
	case err == nil:
		res.State = CmdOK
		res.ExitCode = 0
	default:
		res.State = CmdFailed
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}

	klog.V(5).Infof("%s %v: state=%d rc=%d stdout=%q stderr=%q", name, args,
		res.State, res.ExitCode, res.Stdout, res.Stderr)
	return res
}
