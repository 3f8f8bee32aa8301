//go:build windows

package pool

import "syscall"

// termSignal is the polite signal sent before the killGrace force-kill.
// Windows has no SIGTERM; os.Kill is used for both the polite and forced
// steps there.
func termSignal() syscall.Signal {
	return syscall.SIGKILL
}
