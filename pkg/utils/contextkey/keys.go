package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	Compartment key = "compartment"
	RunID       key = "run_id"
	PID         key = "pid"
)
