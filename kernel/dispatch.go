package kernel

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/boundary"
	"github.com/evanphx/envos/exec"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Processor runs an environment from its saved frame until it traps back
// into the kernel, leaving the captured state in frame.
type Processor interface {
	Resume(ctx context.Context, mem boundary.Memory, frame *abi.Frame) (exec.Trap, error)
}

// Policy picks the next environment to dispatch. ok is false when nothing
// can run.
type Policy interface {
	Next(k *Kernel) (e *Env, ok bool)
}

// Dispatch makes id the running environment and transfers the processor to
// it. A previously running environment is demoted to RUNNABLE with its
// frame kept for a later dispatch. Dispatch returns once the environment
// traps back into the kernel.
func (k *Kernel) Dispatch(ctx context.Context, id EnvID) (exec.Trap, error) {
	e, err := k.table.Lookup(id, k.cur, false)
	if err != nil {
		return exec.Trap{}, err
	}

	if k.cur != nil {
		k.L.Trace("env-run", "id", k.cur.ID, "event", "stopped", "status", k.cur.Status)

		if k.cur.Status == Running {
			k.cur.Status = Runnable
		}
	}

	target := e.ID

	k.L.Trace("env-run", "id", e.ID, "event", "started", "status", e.Status)

	if e.Status != Runnable && e.Status != Dying {
		return exec.Trap{}, errors.Wrapf(ErrNotRunnable, "env %s is %s", e.ID, e.Status)
	}

	k.cur = e
	e.Status = Running
	e.Runs++

	if k.L.IsTrace() {
		k.L.Trace("env-frame", "id", e.ID, "frame", spew.Sdump(e.Frame))
	}

	frame := e.Frame

	trap, err := k.CPU.Resume(ctx, e.Mem, &frame)
	if err != nil {
		return trap, err
	}

	if e.Status != Free && e.ID == target {
		e.Frame = frame
	}

	return trap, nil
}

// Run is the boot loop: it dispatches whatever the policy picks until the
// policy has nothing left or MaxDispatches is reached. Environments that
// halt or fault are destroyed.
func (k *Kernel) Run(ctx context.Context, p Policy) error {
	for n := 0; k.MaxDispatches == 0 || n < k.MaxDispatches; n++ {
		e, ok := p.Next(k)
		if !ok {
			k.L.Info("no runnable environments", "dispatches", n)
			return nil
		}

		id := e.ID

		trap, err := k.Dispatch(ctx, id)
		if err != nil {
			return err
		}

		switch trap.Kind {
		case exec.TrapYield, exec.TrapExit:
		case exec.TrapHalt:
			k.L.Info("environment halted", "id", id)
			if err := k.Destroy(id); err != nil {
				return err
			}
		default:
			k.L.Warn("environment faulted", "id", id, "trap", trap.String(), "rip", hclog.Fmt("%#x", e.Frame.RIP))
			if err := k.Destroy(id); err != nil {
				return err
			}
		}
	}

	k.L.Info("dispatch limit reached", "limit", k.MaxDispatches)

	return nil
}
