//go:build !compart_nolog

package logger

// Enabled reports whether the diagnostic sink is compiled in.
const Enabled = true
