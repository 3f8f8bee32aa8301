//go:build !windows

package pool

import "syscall"

// termSignal is the polite signal sent before the killGrace force-kill.
func termSignal() syscall.Signal {
	return syscall.SIGTERM
}
