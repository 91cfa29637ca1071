// Package monitor holds the monitor's call routing state and its child
// bookkeeping. Both are driven synchronously by the monitor loop.
package monitor

import (
	"fmt"
	"time"
)

// State is the router state.
type State int

const (
	Idle State = iota
	CallPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CallPending:
		return "call-pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Alarm is a single re-armable timer.
type Alarm interface {
	Arm(d time.Duration)
	Disarm()
}

// Policy sets the timeouts enforced by the router. A zero duration disables
// the corresponding timeout.
type Policy struct {
	CallTimeout       time.Duration
	ActivityTimeout   time.Duration
	OnCallTimeout     func(callee int)
	OnActivityTimeout func()
}

// Router tracks whether a call is outstanding and keeps the alarm armed
// according to the policy.
type Router struct {
	policy Policy
	alarm  Alarm
	state  State
	callee int
}

// NewRouter returns an idle router.
func NewRouter(policy Policy, alarm Alarm) *Router {
	return &Router{policy: policy, alarm: alarm, state: Idle, callee: -1}
}

// State returns the current state.
func (r *Router) State() State { return r.state }

// Callee returns the compartment of the outstanding call, or -1.
func (r *Router) Callee() int {
	if r.state != CallPending {
		return -1
	}
	return r.callee
}

// Begin arms the activity alarm when the monitor starts serving.
func (r *Router) Begin() {
	r.rearm()
}

// Call records a call to callee and arms the call timeout.
func (r *Router) Call(callee int) {
	r.state = CallPending
	r.callee = callee
	if r.policy.CallTimeout > 0 {
		r.alarm.Arm(r.policy.CallTimeout)
		return
	}
	r.alarm.Disarm()
}

// Return records the end of the outstanding call.
func (r *Router) Return() {
	r.state = Idle
	r.callee = -1
	r.rearm()
}

// Fire handles an expired alarm. The callback runs before the state changes
// so it observes the timed-out call.
func (r *Router) Fire() {
	switch r.state {
	case CallPending:
		if r.policy.OnCallTimeout != nil {
			r.policy.OnCallTimeout(r.callee)
		}
		r.state = Idle
		r.callee = -1
		r.rearm()
	case Idle:
		if r.policy.ActivityTimeout <= 0 {
			return
		}
		if r.policy.OnActivityTimeout != nil {
			r.policy.OnActivityTimeout()
		}
		r.alarm.Arm(r.policy.ActivityTimeout)
	}
}

func (r *Router) rearm() {
	if r.policy.ActivityTimeout > 0 {
		r.alarm.Arm(r.policy.ActivityTimeout)
		return
	}
	r.alarm.Disarm()
}

// TimerAlarm is an Alarm backed by a time.Timer whose channel the monitor
// loop selects on.
type TimerAlarm struct {
	timer *time.Timer
}

// NewTimerAlarm returns a disarmed alarm.
func NewTimerAlarm() *TimerAlarm {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &TimerAlarm{timer: t}
}

func (a *TimerAlarm) Arm(d time.Duration) { a.timer.Reset(d) }

func (a *TimerAlarm) Disarm() { a.timer.Stop() }

// C delivers alarm expirations.
func (a *TimerAlarm) C() <-chan time.Time { return a.timer.C }
