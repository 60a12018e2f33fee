package utils

import (
	"fmt"

	"github.com/manningwu07/nnBlocks/params"
)

// Debugf prints a debug line when params.Config.Debug is set.
// Callers gate on Config.DebugEvery themselves so the step counter
// stays local to the module that owns it.
func Debugf(format string, args ...any) {
	if !params.Config.Debug {
		return
	}
	fmt.Printf("[debug] "+format+"\n", args...)
}
