package compart

import (
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"libcompart/internal/privsep"
	"libcompart/internal/spawn"
	"libcompart/pkg/errors"
)

// Start splits the application into its compartments, main being the one
// that keeps running the caller's code.
//
// In the coordinator Start launches every compartment and then runs the
// monitor; it does not return. In a serving compartment it runs the serving
// loop and does not return either. Start returns nil in the main
// compartment once its channels are open and privileges are dropped.
func (r *Runtime) Start(main string) error {
	if r == nil {
		return failNil(errors.SplitUnstarted)
	}
	if len(r.regs) == 0 {
		return r.fail(errors.New(errors.StartNoRegistrations))
	}
	if r.started {
		return r.fail(errors.New(errors.StartAlreadyStarted))
	}
	mainIdx := r.index(main)
	if mainIdx < 0 {
		return r.fail(errors.Newf(errors.MonitorRoleNotFound, "no compartment named %q", main))
	}
	for _, reg := range r.regs {
		if reg.owner == mainIdx {
			return r.fail(errors.New(errors.RegisteredWithMain))
		}
	}
	r.main = mainIdx
	callees := r.callees()

	if !r.env.Child() {
		return r.coordinate(callees)
	}

	switch idx := r.index(r.env.Role); {
	case idx == mainIdx:
		return r.becomeMain(callees)
	case idx >= 0:
		if pre := r.comps[idx].PreInit; pre != nil {
			pre()
		}
		return r.AsRole(r.env.Role)
	default:
		return r.fail(errors.Newf(errors.CannotAsRole, "launched as undeclared compartment %q", r.env.Role))
	}
}

// callees lists, in ascending order, the compartments owning registrations.
func (r *Runtime) callees() []int {
	seen := make(map[int]bool)
	var out []int
	for _, reg := range r.regs {
		if !seen[reg.owner] {
			seen[reg.owner] = true
			out = append(out, reg.owner)
		}
	}
	sort.Ints(out)
	return out
}

func (r *Runtime) coordinate(callees []int) error {
	if err := r.transport.Init(); err != nil {
		return r.fail(errors.GetError(err))
	}

	launcher, err := spawn.NewLauncher(r.run, len(callees)+1, r.spawnOpts...)
	if err != nil {
		return r.fail(errors.Wrap(err, errors.NegativeOne))
	}
	sup := newSupervision(r, launcher)

	var logFile *os.File
	if r.log != nil {
		logFile = r.log.File()
	}
	base := spawn.FirstInheritedFD
	logFD := -1
	if logFile != nil {
		logFD = base
		base++
	}
	launch := func(idx int, files []*os.File, boot spawn.Bootstrap) (int, error) {
		if logFile != nil {
			files = append([]*os.File{logFile}, files...)
		}
		boot.LogFD = logFD
		return launcher.Spawn(idx, r.comps[idx].Name, boot, files)
	}

	r.started = true
	if r.cfg.SpawnChildren {
		for _, idx := range callees {
			files, handles := r.transport.HandoffCompartment(base, idx)
			pid, err := launch(idx, files, spawn.Bootstrap{Handles: handles})
			if err != nil {
				return r.fail(errors.Wrapf(err, errors.NegativeOne, "spawn %s: %v", r.comps[idx].Name, err))
			}
			sup.Started(idx, pid)
			r.event(43, fmt.Sprintf("starting sub %d %s", pid, r.comps[idx].Name))
		}
	}

	files, handles := r.transport.HandoffMain(base, callees)
	pid, err := launch(r.main, files, spawn.Bootstrap{Handles: handles})
	if err != nil {
		return r.fail(errors.Wrapf(err, errors.NegativeOne, "spawn %s: %v", r.comps[r.main].Name, err))
	}
	sup.Started(r.main, pid)
	r.event(11, fmt.Sprintf("starting %d %s", pid, r.comps[r.main].Name))
	r.transport.CloseExported()

	r.event(62, fmt.Sprintf("starting monitor %d %s", os.Getpid(), r.name))
	return r.monitor(sup)
}

func (r *Runtime) becomeMain(callees []int) error {
	r.role = roleMain
	r.self = r.main
	r.setName(r.comps[r.main].Name)

	if pre := r.comps[r.main].PreInit; pre != nil {
		pre()
	}
	if err := r.transport.Start(callees); err != nil {
		return r.fail(errors.GetError(err))
	}
	if err := r.dropPrivileges(r.main); err != nil {
		return err
	}
	r.started = true
	r.event(11, fmt.Sprintf("starting %d %s", os.Getpid(), r.name))
	return nil
}

// AsRole turns the calling process into the named compartment and serves
// calls from main until the channel breaks or the process is told to
// terminate. It does not return on success.
func (r *Runtime) AsRole(name string) error {
	if r == nil {
		return failNil(errors.AsRoleBeforeInit)
	}
	if r.asRole {
		return r.fail(errors.New(errors.MultipleAsRole))
	}
	r.asRole = true
	idx := r.index(name)
	if idx < 0 {
		return r.fail(errors.Newf(errors.CannotAsRole, "no compartment named %q", name))
	}

	r.role = roleServing
	r.self = idx
	r.setName(name)
	if err := r.transport.As(idx); err != nil {
		return r.fail(errors.GetError(err))
	}
	if err := r.dropPrivileges(idx); err != nil {
		return err
	}
	r.started = true
	r.event(43, fmt.Sprintf("starting sub %d %s", os.Getpid(), name))
	return r.serve()
}

// dropPrivileges applies the identity of compartment idx. Privileges are
// only dropped when the runtime launches its own children.
func (r *Runtime) dropPrivileges(idx int) error {
	if !r.cfg.SpawnChildren || r.cfg.SkipPrivilegeDrop {
		return nil
	}
	c := r.comps[idx]
	err := privsep.New(r.sys).Drop(privsep.Identity{
		Name:           c.Name,
		UID:            c.UID,
		GID:            c.GID,
		Root:           c.Root,
		SeccompProfile: c.SeccompProfile,
	})
	if err != nil {
		r.logAt(zap.ErrorLevel, 0, "privilege drop failed", zap.String("root", c.Root), zap.Int("uid", c.UID), zap.Int("gid", c.GID))
		return r.fail(errors.GetError(err))
	}
	return nil
}
