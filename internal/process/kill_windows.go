//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

func setProcAttr(cmd *exec.Cmd) {}

type taskKiller struct{}

func DefaultKiller() Killer {
	return taskKiller{}
}

// KillTree uses taskkill /T, which has no polite mode for console processes, so force is implied.
func (taskKiller) KillTree(pid int, force bool) error {
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "not found") {
			return ErrNotRunning
		}
		return fmt.Errorf("taskkill: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
