//go:build compart_nolog

package logger

// Enabled reports whether the diagnostic sink is compiled in. Builds tagged
// compart_nolog never open a log file and never read the log path variable.
const Enabled = false
