package main

import (
	"os/exec"
	"runtime"
)

// osShutdown issues (or cancels) a platform shutdown command on behalf of
// a schedule's autoShutdown flag.
type osShutdown struct{}

func (osShutdown) Shutdown() error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("shutdown", "/s", "/t", "60").Run()
	case "darwin":
		return exec.Command("shutdown", "-h", "+1").Run()
	default:
		return exec.Command("shutdown", "-h", "+1").Run()
	}
}

func (osShutdown) CancelShutdown() error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("shutdown", "/a").Run()
	default:
		return exec.Command("shutdown", "-c").Run()
	}
}
