package syscalls

import (
	"context"

	"github.com/evanphx/envos/boundary"
	hclog "github.com/hashicorp/go-hclog"
)

// sysYield saves the caller's frame so the next dispatch resumes it right
// after the call, then gives up the processor.
func sysYield(ctx context.Context, l hclog.Logger, sys *Invoker, mem boundary.Memory, frameAddr uint64) (boundary.Action, error) {
	cur, err := sys.current()
	if err != nil {
		return 0, err
	}

	tf, err := readFrame(mem, frameAddr)
	if err != nil {
		return 0, err
	}

	cur.Frame = tf

	return boundary.Yield, nil
}

// sysExit destroys the caller.
func sysExit(ctx context.Context, l hclog.Logger, sys *Invoker, mem boundary.Memory, frameAddr uint64) (boundary.Action, error) {
	cur, err := sys.current()
	if err != nil {
		return 0, err
	}

	l.Debug("env exiting", "id", cur.ID, "runs", cur.Runs)

	if err := sys.Kernel.Destroy(cur.ID); err != nil {
		return 0, err
	}

	return boundary.Exit, nil
}

func init() {
	Stubs["sys_yield"] = stub{addr: boundary.SysYieldAddr, fn: sysYield}
	Stubs["sys_exit"] = stub{addr: boundary.SysExitAddr, fn: sysExit}
}
