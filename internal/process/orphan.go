package process

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// OrphanKiller kills process trees left behind by a Supervisor that is gone, but only when the pid still belongs
// to the process launched for the expected owner. Pids get reused, and after a reboot a recorded pid can be
// anything.
type OrphanKiller struct {
	killer  Killer
	environ func(pid int) ([]byte, error)
}

func NewOrphanKiller(killer Killer) *OrphanKiller {
	return &OrphanKiller{killer: killer, environ: readEnviron}
}

// KillOrphan force-kills the tree led by pid if that process was launched for owner. It returns ErrNotOwned,
// without killing anything, when that can't be confirmed.
func (k *OrphanKiller) KillOrphan(owner string, pid int) error {
	env, err := k.environ(pid)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotRunning
	} else if err != nil {
		return fmt.Errorf("%w: %v", ErrNotOwned, err)
	}
	if !hasEnv(env, OwnerEnv+"="+owner) {
		return ErrNotOwned
	}
	return k.killer.KillTree(pid, true)
}

// readEnviron returns the NUL-separated environment pid was started with. Without /proc this fails, and nothing
// is ever killed.
func readEnviron(pid int) ([]byte, error) {
	if _, err := os.Stat("/proc/self/environ"); err != nil {
		return nil, fmt.Errorf("no /proc: %v", err)
	}
	return os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
}

func hasEnv(environ []byte, entry string) bool {
	for _, e := range bytes.Split(environ, []byte{0}) {
		if string(e) == entry {
			return true
		}
	}
	return false
}
