package kernel

import (
	"fmt"
	"strings"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/loader"
	"github.com/evanphx/envos/memory"
	"github.com/pkg/errors"
)

// GenShift is the bit position where the generation starts in an EnvID.
// Table capacity may not exceed 1<<GenShift.
const GenShift = 12

// EnvID names an environment: generation in the high bits, slot index in
// the low bits. 0 means the caller's own environment.
type EnvID int32

func (id EnvID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Generation strips the slot index from id.
func (id EnvID) Generation() int32 {
	return int32(id) >> GenShift
}

type Status int

const (
	Free Status = iota
	Dying
	Runnable
	Running
	NotRunnable
)

var statusNames = []string{"FREE", "DYING", "RUNNABLE", "RUNNING", "NOT_RUNNABLE"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}

	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}

	return errors.Errorf("unknown environment status %q", text)
}

// Kind selects how an environment executes.
type Kind int

const (
	// KindKernel environments run cooperatively with kernel privilege in
	// the kernel address space.
	KindKernel Kind = iota
	// KindUser environments run at user privilege in a private address
	// space.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindUser:
		return "user"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = v
	return nil
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "kernel":
		return KindKernel, nil
	case "user":
		return KindUser, nil
	default:
		return 0, errors.Errorf("unknown environment kind %q", s)
	}
}

type Env struct {
	ID       EnvID
	ParentID EnvID
	Kind     Kind
	Status   Status
	Runs     uint64

	Frame abi.Frame

	// Image is the loaded binary. The buffer belongs to whoever supplied it.
	Image *loader.Image

	// Mem is the address space the environment runs in. Kernel-kind
	// environments share the kernel's.
	Mem *memory.VirtualMemory

	// regions holds the image pages mapped into a shared address space,
	// released when the environment is destroyed.
	regions []*memory.Region

	index int
	next  *Env
}

// Index is the environment's slot in the table.
func (e *Env) Index() int {
	return e.index
}
