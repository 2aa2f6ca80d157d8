// Package sched holds scheduling policies for the kernel's boot loop.
package sched

import (
	"github.com/evanphx/envos/kernel"
)

// RoundRobin picks the first RUNNABLE environment after the current one's
// slot, wrapping around the table. If there is none the current
// environment keeps the processor while it is still RUNNING.
type RoundRobin struct{}

func (RoundRobin) Next(k *kernel.Kernel) (*kernel.Env, bool) {
	tab := k.Table()
	size := tab.Capacity()

	cur := k.Current()

	start := 0
	if cur != nil {
		start = cur.Index() + 1
	}

	for i := 0; i < size; i++ {
		e := tab.Slot((start + i) % size)
		if e.Status == kernel.Runnable {
			return e, true
		}
	}

	if cur != nil && cur.Status == kernel.Running {
		return cur, true
	}

	return nil, false
}
