package compart

import (
	"fmt"

	"go.uber.org/zap"

	"libcompart/internal/monitor"
	"libcompart/internal/spawn"
	"libcompart/internal/wire"
	"libcompart/pkg/compost"
	"libcompart/pkg/errors"
)

// supervision is the coordinator's view of its children.
type supervision struct {
	*monitor.Supervisor
	launcher *spawn.Launcher
}

func newSupervision(r *Runtime, launcher *spawn.Launcher) *supervision {
	names := make([]string, len(r.comps))
	for i, c := range r.comps {
		names[i] = c.Name
	}
	sup := &supervision{Supervisor: monitor.NewSupervisor(names, r.main), launcher: launcher}
	r.sup = sup
	return sup
}

type frameEvent struct {
	req     wire.Request
	err     error
	invalid bool
}

// readFrames forwards main's requests until the channel fails or done is
// closed.
func readFrames(conn *compost.Conn, out chan<- frameEvent, done <-chan struct{}) {
	buf := make([]byte, wire.RequestSize)
	for {
		var ev frameEvent
		if _, err := conn.Recv(buf); err != nil {
			ev = frameEvent{err: err}
		} else if err := ev.req.UnmarshalBinary(buf); err != nil {
			ev = frameEvent{err: err, invalid: true}
		}
		select {
		case out <- ev:
		case <-done:
			return
		}
		if ev.err != nil {
			return
		}
	}
}

// monitor mediates main's calls, enforces the timeouts and reacts to the
// death of children. It returns only when the exit function does.
func (r *Runtime) monitor(sup *supervision) error {
	conn, err := r.transport.Monitor()
	if err != nil {
		return r.fail(errors.GetError(err))
	}

	alarm := monitor.NewTimerAlarm()
	router := monitor.NewRouter(monitor.Policy{
		CallTimeout:       r.cfg.CallTimeout,
		ActivityTimeout:   r.cfg.ActivityTimeout,
		OnCallTimeout:     r.cfg.OnCallTimeout,
		OnActivityTimeout: r.cfg.OnActivityTimeout,
	}, alarm)
	router.Begin()

	frames := make(chan frameEvent, 1)
	done := make(chan struct{})
	defer close(done)
	go readFrames(conn, frames, done)
	stopReading := func() {
		frames = nil
		_ = conn.Close()
	}

	for {
		select {
		case ev := <-frames:
			if ev.invalid {
				return r.rejectRequest(conn, ev.err.Error())
			}
			if ev.err != nil {
				stopReading()
				_ = r.commBreak(r.main)
				continue
			}
			if err := r.route(conn, router, ev.req); err != nil {
				if errors.Is(err, errors.ChannelBroke) {
					stopReading()
					continue
				}
				return err
			}

		case exit := <-sup.launcher.Exits():
			idx, ok := sup.Reap(exit.PID)
			if !ok {
				r.event(9, "unknown compartment was terminated", zap.Int("pid", exit.PID))
				continue
			}
			r.cfg.OnTermination(idx)
			if sup.Live() == 0 {
				r.event(37, "all children dead")
				return r.fail(errors.New(errors.AllChildrenDead))
			}

		case <-alarm.C():
			router.Fire()
		}
	}
}

// route records one step of main's call and acknowledges it.
func (r *Runtime) route(conn *compost.Conn, router *monitor.Router, req wire.Request) error {
	call, err := wire.DecodeCall(req.Data)
	if err != nil {
		return r.rejectRequest(conn, err.Error())
	}
	ext := int(call.Ext)
	if ext >= len(r.regs) {
		return r.rejectRequest(conn, fmt.Sprintf("function %d is not registered", ext))
	}
	owner := r.regs[ext].owner

	switch req.Kind {
	case wire.KindCall:
		router.Call(owner)
		r.event(45, fmt.Sprintf("%s call to %s", monitorName, r.comps[owner].Name))
	case wire.KindReturn:
		router.Return()
		r.event(46, fmt.Sprintf("%s return from %s", monitorName, r.comps[owner].Name))
	default:
		return r.rejectRequest(conn, fmt.Sprintf("unexpected %s request", req.Kind))
	}

	if err := sendResponse(conn, &wire.Response{}); err != nil {
		return r.commBreak(r.main)
	}
	return nil
}

// defaultTermination logs the death of compartment idx and kills every
// other child. The first death of a compartment other than main is a crash.
func (r *Runtime) defaultTermination(idx int) {
	sup := r.sup
	if sup == nil {
		return
	}
	if sup.Crashed(idx) {
		r.event(61, fmt.Sprintf("crashed compartment: %s", sup.Name(idx)))
	} else {
		r.event(50, fmt.Sprintf("terminated: %s", sup.Name(idx)))
	}
	for _, pid := range sup.LivePIDs() {
		if err := spawn.Kill(pid); err != nil {
			r.logAt(zap.WarnLevel, 0, "kill failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
}
