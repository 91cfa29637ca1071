// Package privsep drops the privileges of a compartment process.
package privsep

import (
	"libcompart/pkg/errors"
)

// System is the set of process credential operations a drop performs.
type System interface {
	Geteuid() int
	Chdir(dir string) error
	Chroot(dir string) error
	Setgroups(gids []int) error
	Setgid(gid int) error
	Setuid(uid int) error
}

// Identity is what a compartment runs as once privileges are dropped.
type Identity struct {
	Name           string
	UID            int
	GID            int
	Root           string
	SeccompProfile string
}

// Filter is a compiled syscall filter, installed after the drop.
type Filter interface {
	Install() error
}

// Dropper applies an Identity to the current process.
type Dropper struct {
	sys     System
	compile func(path string) (Filter, error)
}

// New returns a Dropper over sys.
func New(sys System) *Dropper {
	return &Dropper{sys: sys, compile: CompileProfile}
}

// Drop changes root, then group, then user. A seccomp profile, if any, is
// read before the root changes and installed last.
func (d *Dropper) Drop(id Identity) error {
	if d.sys.Geteuid() != 0 {
		return errors.Newf(errors.NotPrivileged, "cannot drop privileges of %q: not running as root", id.Name)
	}
	if id.Name == "" {
		return errors.New(errors.NoRole)
	}

	var filter Filter
	if id.SeccompProfile != "" {
		f, err := d.compile(id.SeccompProfile)
		if err != nil {
			return errors.Wrapf(err, errors.NegativeOne, "seccomp profile %s: %v", id.SeccompProfile, err)
		}
		filter = f
	}

	if id.Root != "" {
		if err := d.sys.Chdir(id.Root); err != nil {
			return errors.Wrapf(err, errors.FailedChdir, "chdir %s: %v", id.Root, err)
		}
		if err := d.sys.Chroot(id.Root); err != nil {
			return errors.Wrapf(err, errors.FailedChroot, "chroot %s: %v", id.Root, err)
		}
	}

	if err := d.sys.Setgroups([]int{id.GID}); err != nil {
		return errors.Wrapf(err, errors.FailedSetgid, "setgroups %d: %v", id.GID, err)
	}
	if err := d.sys.Setgid(id.GID); err != nil {
		return errors.Wrapf(err, errors.FailedSetgid, "setgid %d: %v", id.GID, err)
	}
	if err := d.sys.Setuid(id.UID); err != nil {
		return errors.Wrapf(err, errors.FailedSetuid, "setuid %d: %v", id.UID, err)
	}

	if filter != nil {
		if err := filter.Install(); err != nil {
			return errors.Wrapf(err, errors.NegativeOne, "install seccomp filter: %v", err)
		}
	}
	return nil
}
