package kernel

import "github.com/pkg/errors"

var (
	ErrNoFreeSlot       = errors.New("no free environment slot")
	ErrBadHandle        = errors.New("bad environment handle")
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotRunnable is an internal consistency failure: something asked to
	// dispatch an environment that cannot run. The boot loop stops on it.
	ErrNotRunnable = errors.New("environment is not runnable")

	ErrBadCapacity  = errors.New("invalid table capacity")
	ErrImageOverlap = errors.New("image overlaps mapped memory")
)
