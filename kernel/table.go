package kernel

import (
	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Table is the fixed-capacity environment arena. Slots are handed out
// through a free list and named by generation-tagged ids, so a handle to a
// freed slot is recognized as stale.
type Table struct {
	L hclog.Logger

	envs []Env
	free *Env
}

// NewTable creates capacity FREE slots, linked so that an empty table
// allocates them in ascending index order.
func NewTable(capacity int) (*Table, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 || capacity > 1<<GenShift {
		return nil, errors.Wrapf(ErrBadCapacity, "capacity %d must be a power of two no larger than %d", capacity, 1<<GenShift)
	}

	if uint64(capacity-1)*abi.EnvStackSize >= abi.StackAreaTop {
		return nil, errors.Wrapf(ErrBadCapacity, "capacity %d exhausts the stack area", capacity)
	}

	t := &Table{
		L:    log.L,
		envs: make([]Env, capacity),
	}

	for i := capacity - 1; i >= 0; i-- {
		e := &t.envs[i]
		e.index = i
		e.ID = 0
		e.Status = Free
		e.next = t.free
		t.free = e
	}

	return t, nil
}

func (t *Table) Capacity() int {
	return len(t.envs)
}

// Slot returns the environment in slot i, whatever its status.
func (t *Table) Slot(i int) *Env {
	return &t.envs[i]
}

func (t *Table) index(id EnvID) int {
	return int(id) & (len(t.envs) - 1)
}

// Alloc takes the slot at the head of the free list and prepares it to run
// as a fresh environment of the given kind.
func (t *Table) Alloc(parent EnvID, kind Kind) (*Env, error) {
	e := t.free
	if e == nil {
		return nil, ErrNoFreeSlot
	}

	gen := (e.ID + 1<<GenShift) &^ EnvID(len(t.envs)-1)
	if gen <= 0 {
		gen = 1 << GenShift
	}

	e.ID = gen | EnvID(e.index)
	e.ParentID = parent
	e.Kind = kind
	e.Status = Runnable
	e.Runs = 0
	e.Image = nil
	e.Mem = nil
	e.regions = nil

	e.Frame = abi.Frame{}

	switch kind {
	case KindUser:
		e.Frame.DS = abi.GDUserData | abi.RPLUser
		e.Frame.ES = abi.GDUserData | abi.RPLUser
		e.Frame.SS = abi.GDUserData | abi.RPLUser
		e.Frame.CS = abi.GDUserText | abi.RPLUser
		e.Frame.RSP = abi.UserStackTop
	default:
		e.Frame.DS = abi.GDKernelData
		e.Frame.ES = abi.GDKernelData
		e.Frame.SS = abi.GDKernelData
		e.Frame.CS = abi.GDKernelText
		e.Frame.RSP = abi.StackAreaTop - uint64(e.index)*abi.EnvStackSize
	}

	e.Frame.RFlags |= abi.FlagIF

	t.free = e.next
	e.next = nil

	t.L.Trace("env-alloc", "parent", parent, "id", e.ID, "kind", kind)

	return e, nil
}

// Lookup resolves id. 0 names cur, the caller's own environment. With
// checkPerm set the target must be cur or one of cur's immediate children.
func (t *Table) Lookup(id EnvID, cur *Env, checkPerm bool) (*Env, error) {
	if id == 0 {
		if cur == nil {
			return nil, errors.Wrap(ErrBadHandle, "no current environment")
		}

		return cur, nil
	}

	e := &t.envs[t.index(id)]
	if e.Status == Free || e.ID != id {
		return nil, errors.Wrapf(ErrBadHandle, "env %s", id)
	}

	if checkPerm {
		if cur == nil || (e != cur && e.ParentID != cur.ID) {
			return nil, errors.Wrapf(ErrPermissionDenied, "env %s", id)
		}
	}

	return e, nil
}

// Free marks e FREE and pushes it on the head of the free list, so the
// most recently freed slot is reused first.
func (t *Table) Free(e *Env) {
	t.L.Trace("env-free", "id", e.ID)

	e.Status = Free
	e.next = t.free
	t.free = e
}
