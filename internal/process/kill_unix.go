//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// The tool runs in its own process group so that the whole tree (ffmpeg, aria2c) can be signalled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

type groupKiller struct{}

func DefaultKiller() Killer {
	return groupKiller{}
}

// KillTree sends SIGINT (or SIGKILL when forced) to the process group led by pid.
func (groupKiller) KillTree(pid int, force bool) error {
	sig := unix.SIGINT
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}
