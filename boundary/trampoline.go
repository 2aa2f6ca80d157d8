package boundary

import (
	"context"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Memory is the address space a crossing operates on.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	ReadUint64(addr uint64) (uint64, error)
	WriteUint64(addr, val uint64) error
	ReadCString(addr uint64, max int) ([]byte, error)
}

// Action tells the caller of a handler what happens to the interrupted
// context once the handler is done.
type Action int

const (
	// Return resumes the caller with the (possibly modified) frame.
	Return Action = iota
	// Yield gives up the processor; the caller is resumed later by dispatch.
	Yield
	// Exit means the caller no longer exists.
	Exit
)

func (a Action) String() string {
	switch a {
	case Return:
		return "return"
	case Yield:
		return "yield"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// Handler runs on the kernel stack. frameAddr is the address of the full
// register frame the trampoline built; it is the handler's only view of
// the caller.
type Handler func(ctx context.Context, mem Memory, frameAddr uint64) (Action, error)

var ErrNoHandler = errors.New("no handler for kernel entry")

type Trampoline struct {
	L hclog.Logger

	handlers map[uint64]entry
}

type entry struct {
	name string
	fn   Handler
}

func NewTrampoline() *Trampoline {
	return &Trampoline{
		L:        log.L,
		handlers: make(map[uint64]entry),
	}
}

// Register attaches h to the entry stub at addr.
func (t *Trampoline) Register(name string, addr uint64, h Handler) {
	t.handlers[addr] = entry{name: name, fn: h}
}

// Handles reports whether addr is a registered entry stub.
func (t *Trampoline) Handles(addr uint64) bool {
	_, ok := t.handlers[addr]
	return ok
}

// ReadFrame decodes the register frame stored at addr.
func ReadFrame(mem Memory, addr uint64, tf *abi.Frame) error {
	buf := make([]byte, abi.FrameSize)

	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return err
	}

	return tf.UnmarshalBinary(buf)
}

// WriteFrame stores tf at addr.
func WriteFrame(mem Memory, addr uint64, tf *abi.Frame) error {
	buf, err := tf.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = mem.WriteAt(buf, int64(addr))
	return err
}

// Enter is the privileged-context entry. cpu is the live register state at
// the stub address, with the caller's return address on top of its stack.
//
// Enter disables interrupts, pops the return address and records it with
// the caller's flags and stack pointer in the save area, switches to the
// kernel stack and builds a complete frame there from the save area and
// the live general-purpose registers. The handler is then called with the
// frame's address. For a Return action the frame is read back and
// restored into cpu with Leave. The frame as the handler left it is
// returned either way.
func (t *Trampoline) Enter(ctx context.Context, mem Memory, cpu *abi.Frame) (abi.Frame, Action, error) {
	var tf abi.Frame

	ent, ok := t.handlers[cpu.RIP]
	if !ok {
		return tf, 0, errors.Wrapf(ErrNoHandler, "entry %#x", cpu.RIP)
	}

	flags := cpu.RFlags
	cpu.RFlags &^= abi.FlagIF

	ret, err := mem.ReadUint64(cpu.RSP)
	if err != nil {
		return tf, 0, errors.Wrap(err, "popping return address")
	}

	callerSP := cpu.RSP + 8

	save := [...]struct {
		off uint64
		val uint64
	}{
		{abi.SaveRIP, ret},
		{abi.SaveRFlags, flags},
		{abi.SaveRSP, callerSP},
	}

	for _, s := range save {
		if err := mem.WriteUint64(abi.SaveArea+s.off, s.val); err != nil {
			return tf, 0, errors.Wrap(err, "writing save area")
		}
	}

	frameAddr := abi.KernelStackTop - abi.FrameSize

	tf.Regs = cpu.Regs
	tf.ES = cpu.ES
	tf.DS = cpu.DS
	tf.CS = cpu.CS
	tf.SS = cpu.SS

	for _, s := range save {
		v, err := mem.ReadUint64(abi.SaveArea + s.off)
		if err != nil {
			return tf, 0, errors.Wrap(err, "reading save area")
		}

		switch s.off {
		case abi.SaveRIP:
			tf.RIP = v
		case abi.SaveRFlags:
			tf.RFlags = v
		case abi.SaveRSP:
			tf.RSP = v
		}
	}

	if err := WriteFrame(mem, frameAddr, &tf); err != nil {
		return tf, 0, errors.Wrap(err, "building frame on kernel stack")
	}

	cpu.RSP = frameAddr

	t.L.Trace("trampoline-enter", "entry", ent.name, "rip", hclog.Fmt("%#x", tf.RIP), "rsp", hclog.Fmt("%#x", tf.RSP))

	if t.L.IsTrace() {
		t.L.Trace("trampoline-frame", "frame", spew.Sdump(tf))
	}

	action, err := ent.fn(ctx, mem, frameAddr)
	if err != nil {
		return tf, 0, errors.Wrapf(err, "handler %s", ent.name)
	}

	if err := ReadFrame(mem, frameAddr, &tf); err != nil {
		return tf, 0, errors.Wrap(err, "reading frame back")
	}

	if action == Return {
		if err := Leave(mem, tf, cpu); err != nil {
			return tf, 0, err
		}
	}

	return tf, action, nil
}

// Leave is the privileged-context exit: it restores tf into cpu. The
// saved instruction pointer and then the flags are pushed below the saved
// stack pointer, every general register and selector is loaded, and the
// flags and instruction pointer are popped off that transient slot so the
// stack pointer lands back on tf.RSP.
func Leave(mem Memory, tf abi.Frame, cpu *abi.Frame) error {
	sp := tf.RSP

	sp -= 8
	if err := mem.WriteUint64(sp, tf.RIP); err != nil {
		return errors.Wrap(err, "pushing rip for restore")
	}

	sp -= 8
	if err := mem.WriteUint64(sp, tf.RFlags); err != nil {
		return errors.Wrap(err, "pushing rflags for restore")
	}

	cpu.Regs = tf.Regs
	cpu.ES = tf.ES
	cpu.DS = tf.DS
	cpu.CS = tf.CS
	cpu.SS = tf.SS
	cpu.TrapNo = 0
	cpu.Err = 0

	flags, err := mem.ReadUint64(sp)
	if err != nil {
		return errors.Wrap(err, "popping rflags")
	}
	sp += 8

	rip, err := mem.ReadUint64(sp)
	if err != nil {
		return errors.Wrap(err, "popping rip")
	}
	sp += 8

	cpu.RFlags = flags
	cpu.RIP = rip
	cpu.RSP = sp

	return nil
}
