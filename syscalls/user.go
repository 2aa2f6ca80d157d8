package syscalls

import (
	"context"

	"github.com/evanphx/envos/boundary"
	hclog "github.com/hashicorp/go-hclog"
)

func sysGetEnvID(ctx context.Context, l hclog.Logger, sys *Invoker, mem boundary.Memory, args SysArgs) (uint64, error) {
	cur, err := sys.current()
	if err != nil {
		return 0, err
	}

	return uint64(uint32(cur.ID)), nil
}

func init() {
	Natives["sys_getenvid"] = sysGetEnvID
}
