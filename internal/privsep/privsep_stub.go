//go:build !linux

package privsep

import (
	"fmt"
	"os"
)

var errUnsupported = fmt.Errorf("privilege separation is only supported on linux")

// OS is the System backed by the running process.
type OS struct{}

func (OS) Geteuid() int { return os.Geteuid() }

func (OS) Chdir(string) error { return errUnsupported }

func (OS) Chroot(string) error { return errUnsupported }

func (OS) Setgroups([]int) error { return errUnsupported }

func (OS) Setgid(int) error { return errUnsupported }

func (OS) Setuid(int) error { return errUnsupported }

// CompileProfile is unavailable off linux.
func CompileProfile(string) (Filter, error) {
	return nil, errUnsupported
}
