package exec

import (
	"fmt"

	"github.com/evanphx/envos/log"
)

var showDebug = false

// EnableStepTrace logs every executed instruction at trace level.
func EnableStepTrace(on bool) {
	showDebug = on
}

func Debugf(str string, args ...interface{}) {
	if !showDebug {
		return
	}

	log.L.Trace("vm-step", "inst", fmt.Sprintf(str, args...))
}
