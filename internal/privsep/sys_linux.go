//go:build linux

package privsep

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// OS is the System backed by the running process.
type OS struct{}

func (OS) Geteuid() int { return unix.Geteuid() }

func (OS) Chdir(dir string) error { return unix.Chdir(dir) }

func (OS) Chroot(dir string) error { return unix.Chroot(dir) }

// Credential changes go through syscall so they apply to every thread of the
// process, not only the calling one.

func (OS) Setgroups(gids []int) error { return syscall.Setgroups(gids) }

func (OS) Setgid(gid int) error { return syscall.Setgid(gid) }

func (OS) Setuid(uid int) error { return syscall.Setuid(uid) }
