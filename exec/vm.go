// Package exec provides the emulated processor environments run on.
package exec

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/boundary"
	"github.com/evanphx/envos/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Memory is the address space instructions are fetched from and operate on.
type Memory = boundary.Memory

type TrapKind int

const (
	// TrapYield: the environment gave up the processor through sys_yield.
	TrapYield TrapKind = iota + 1
	// TrapExit: the environment destroyed itself through sys_exit.
	TrapExit
	// TrapHalt: the environment executed hlt.
	TrapHalt
	// TrapFault: the environment did something the processor refuses.
	TrapFault
)

func (k TrapKind) String() string {
	switch k {
	case TrapYield:
		return "yield"
	case TrapExit:
		return "exit"
	case TrapHalt:
		return "halt"
	case TrapFault:
		return "fault"
	default:
		return fmt.Sprintf("TrapKind(%d)", int(k))
	}
}

// x86 exception vectors reported in Frame.TrapNo for faults.
const (
	TrapIllegalOp = 6
	TrapGPFault   = 13
	TrapPageFault = 14
)

// Trap describes how control came back to the kernel.
type Trap struct {
	Kind TrapKind

	// Vector and Addr are set for faults: the exception vector and the
	// address that could not be used.
	Vector uint64
	Addr   uint64
	Err    error
}

func (t Trap) String() string {
	if t.Kind == TrapFault {
		return fmt.Sprintf("fault vector=%d addr=%#x: %v", t.Vector, t.Addr, t.Err)
	}

	return t.Kind.String()
}

var (
	ErrNullCall        = errors.New("call to null address")
	ErrBadKernelEntry  = errors.New("jump into kernel text outside an entry point")
	ErrBudgetExhausted = errors.New("instruction budget exhausted")
	ErrRestoreFailed   = errors.New("restoring register frame failed")
)

// DefaultBudget bounds the instructions one Resume may execute.
const DefaultBudget = 1 << 22

// ctxCheckInterval is how many instructions run between context checks.
const ctxCheckInterval = 1024

type VM struct {
	L hclog.Logger

	Trampoline *boundary.Trampoline
	Symbols    *boundary.Symbols

	// Budget is the per-Resume instruction limit; 0 uses DefaultBudget and
	// a negative value disables the limit.
	Budget int

	// Steps counts instructions executed over the VM's lifetime.
	Steps uint64

	cpu abi.Frame
	mem Memory

	funcTable [256]func(inst Inst) (*Trap, error)
}

func NewVM(tr *boundary.Trampoline, syms *boundary.Symbols) *VM {
	vm := &VM{
		L:          log.L,
		Trampoline: tr,
		Symbols:    syms,
	}

	vm.newFuncTable()

	return vm
}

func (vm *VM) newFuncTable() {
	vm.funcTable[OpNop] = vm.nop
	vm.funcTable[OpHlt] = vm.hlt
	vm.funcTable[OpMovi] = vm.movi
	vm.funcTable[OpAddi] = vm.addi
	vm.funcTable[OpJmp] = vm.jmp
	vm.funcTable[OpJnz] = vm.jnz
	vm.funcTable[OpCall] = vm.call
	vm.funcTable[OpCallm] = vm.callm
	vm.funcTable[OpRet] = vm.ret
	vm.funcTable[OpLoad] = vm.load
	vm.funcTable[OpStore] = vm.store
}

// Resume restores frame into the processor and runs until control comes
// back to the kernel. On return frame holds the state captured at that
// point: the trampoline's frame for a yield or exit, the live registers
// for a halt or fault.
//
// An error means the kernel itself could not continue: the frame could not
// be restored, a kernel handler failed, or ctx was canceled.
func (vm *VM) Resume(ctx context.Context, mem Memory, frame *abi.Frame) (Trap, error) {
	vm.mem = mem
	defer func() { vm.mem = nil }()

	if err := boundary.Leave(mem, *frame, &vm.cpu); err != nil {
		return Trap{}, errors.Wrapf(ErrRestoreFailed, "%s", err)
	}

	vm.L.Trace("vm-resume", "rip", hclog.Fmt("%#x", vm.cpu.RIP), "rsp", hclog.Fmt("%#x", vm.cpu.RSP))

	budget := vm.Budget
	if budget == 0 {
		budget = DefaultBudget
	}

	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				*frame = vm.cpu
				return Trap{}, err
			}
		}

		if budget > 0 && n >= budget {
			return vm.fault(frame, TrapGPFault, vm.cpu.RIP, ErrBudgetExhausted), nil
		}

		tf, trap, err := vm.step(ctx)
		if err != nil {
			return Trap{}, err
		}

		if trap == nil {
			continue
		}

		if trap.Kind == TrapFault {
			return vm.fault(frame, trap.Vector, trap.Addr, trap.Err), nil
		}

		if tf != nil {
			*frame = *tf
		} else {
			*frame = vm.cpu
		}

		vm.L.Trace("vm-trap", "kind", trap.Kind, "rip", hclog.Fmt("%#x", frame.RIP))

		return *trap, nil
	}
}

func (vm *VM) fault(frame *abi.Frame, vector, addr uint64, err error) Trap {
	vm.cpu.TrapNo = vector
	*frame = vm.cpu

	trap := Trap{Kind: TrapFault, Vector: vector, Addr: addr, Err: err}

	vm.L.Debug("vm-fault", "trap", trap.String(), "rip", hclog.Fmt("%#x", frame.RIP))

	if vm.L.IsTrace() {
		vm.L.Trace("vm-fault-frame", "frame", spew.Sdump(frame))
	}

	return trap
}

func faultTrap(vector, addr uint64, err error) *Trap {
	return &Trap{Kind: TrapFault, Vector: vector, Addr: addr, Err: err}
}

// step runs one instruction, or one kernel entry when RIP is in kernel
// text. A non-nil frame is the trampoline's frame for the trap.
func (vm *VM) step(ctx context.Context) (*abi.Frame, *Trap, error) {
	rip := vm.cpu.RIP

	if rip == 0 {
		return nil, faultTrap(TrapGPFault, 0, ErrNullCall), nil
	}

	if abi.IsKernelText(rip) {
		return vm.enterKernel(ctx)
	}

	inst, trap := vm.fetch(rip)
	if trap != nil {
		return nil, trap, nil
	}

	Debugf("%10x  %s", rip, inst)

	vm.Steps++

	trap, err := vm.funcTable[inst.Op](inst)
	return nil, trap, err
}

func (vm *VM) fetch(rip uint64) (Inst, *Trap) {
	var op [1]byte

	if _, err := vm.mem.ReadAt(op[:], int64(rip)); err != nil {
		return Inst{}, faultTrap(TrapPageFault, rip, err)
	}

	size := Opcode(op[0]).Size()
	if size == 0 {
		return Inst{}, faultTrap(TrapIllegalOp, rip, errors.Wrapf(ErrUndefinedOpcode, "%#02x", op[0]))
	}

	buf := make([]byte, size)
	if _, err := vm.mem.ReadAt(buf, int64(rip)); err != nil {
		return Inst{}, faultTrap(TrapPageFault, rip, err)
	}

	inst, err := Decode(buf, rip)
	if err != nil {
		return Inst{}, faultTrap(TrapIllegalOp, rip, err)
	}

	return inst, nil
}

// enterKernel handles control arriving at a kernel entry point with the
// return address on the stack.
func (vm *VM) enterKernel(ctx context.Context) (*abi.Frame, *Trap, error) {
	rip := vm.cpu.RIP

	if vm.Trampoline != nil && vm.Trampoline.Handles(rip) {
		tf, action, err := vm.Trampoline.Enter(ctx, vm.mem, &vm.cpu)
		if err != nil {
			return nil, nil, err
		}

		switch action {
		case boundary.Return:
			return nil, nil, nil
		case boundary.Yield:
			return &tf, &Trap{Kind: TrapYield}, nil
		case boundary.Exit:
			return &tf, &Trap{Kind: TrapExit}, nil
		default:
			return nil, nil, errors.Errorf("unknown handler action %d", action)
		}
	}

	if vm.Symbols != nil {
		if name, fn, ok := vm.Symbols.Native(rip); ok {
			return vm.callNative(ctx, name, fn)
		}
	}

	return nil, faultTrap(TrapGPFault, rip, ErrBadKernelEntry), nil
}

func (vm *VM) callNative(ctx context.Context, name string, fn boundary.Native) (*abi.Frame, *Trap, error) {
	args := vm.cpu.Args()

	vm.L.Trace("native-call", "name", name, "args", args)

	ret, err := fn(ctx, vm.mem, args)
	if err != nil {
		return nil, faultTrap(TrapGPFault, vm.cpu.RIP, errors.Wrapf(err, "in %s", name)), nil
	}

	vm.cpu.RAX = ret

	return nil, vm.doRet(), nil
}

func (vm *VM) push(v uint64) *Trap {
	sp := vm.cpu.RSP - 8
	if err := vm.mem.WriteUint64(sp, v); err != nil {
		return faultTrap(TrapPageFault, sp, err)
	}

	vm.cpu.RSP = sp
	return nil
}

func (vm *VM) doRet() *Trap {
	sp := vm.cpu.RSP

	v, err := vm.mem.ReadUint64(sp)
	if err != nil {
		return faultTrap(TrapPageFault, sp, err)
	}

	vm.cpu.RSP = sp + 8
	vm.cpu.RIP = v
	return nil
}

func (vm *VM) nop(inst Inst) (*Trap, error) {
	vm.cpu.RIP = inst.Next()
	return nil, nil
}

func (vm *VM) hlt(inst Inst) (*Trap, error) {
	vm.cpu.RIP = inst.Next()
	return &Trap{Kind: TrapHalt}, nil
}

func (vm *VM) movi(inst Inst) (*Trap, error) {
	vm.cpu.SetReg(inst.Reg, inst.Imm)
	vm.cpu.RIP = inst.Next()
	return nil, nil
}

func (vm *VM) addi(inst Inst) (*Trap, error) {
	vm.cpu.SetReg(inst.Reg, vm.cpu.Reg(inst.Reg)+inst.Imm)
	vm.cpu.RIP = inst.Next()
	return nil, nil
}

func (vm *VM) jmp(inst Inst) (*Trap, error) {
	vm.cpu.RIP = inst.Target()
	return nil, nil
}

func (vm *VM) jnz(inst Inst) (*Trap, error) {
	if vm.cpu.Reg(inst.Reg) != 0 {
		vm.cpu.RIP = inst.Target()
	} else {
		vm.cpu.RIP = inst.Next()
	}

	return nil, nil
}

func (vm *VM) callTo(inst Inst, target uint64) (*Trap, error) {
	if trap := vm.push(inst.Next()); trap != nil {
		return trap, nil
	}

	vm.cpu.RIP = target
	return nil, nil
}

func (vm *VM) call(inst Inst) (*Trap, error) {
	return vm.callTo(inst, inst.Imm)
}

func (vm *VM) callm(inst Inst) (*Trap, error) {
	target, err := vm.mem.ReadUint64(inst.Imm)
	if err != nil {
		return faultTrap(TrapPageFault, inst.Imm, err), nil
	}

	return vm.callTo(inst, target)
}

func (vm *VM) ret(inst Inst) (*Trap, error) {
	return vm.doRet(), nil
}

func (vm *VM) load(inst Inst) (*Trap, error) {
	v, err := vm.mem.ReadUint64(inst.Imm)
	if err != nil {
		return faultTrap(TrapPageFault, inst.Imm, err), nil
	}

	vm.cpu.SetReg(inst.Reg, v)
	vm.cpu.RIP = inst.Next()
	return nil, nil
}

func (vm *VM) store(inst Inst) (*Trap, error) {
	if err := vm.mem.WriteUint64(inst.Imm, vm.cpu.Reg(inst.Reg)); err != nil {
		return faultTrap(TrapPageFault, inst.Imm, err), nil
	}

	vm.cpu.RIP = inst.Next()
	return nil, nil
}
