package errors

// ErrorCode represents a unique failure cause. The numeric value is the
// process exit status used when the failure is fatal, so external
// supervisors can tell causes apart without parsing log output.
type ErrorCode int

// Exit code ranges allocation:
// 0:      Success
// 1-3:    Diagnostic sink errors
// 4-18:   OS, privilege and transport errors
// 50-115: Logged usage/protocol misuse (LoggedOffset + tag)
//
// Some codes are reserved and never raised here (OKChildToo, Sigaction,
// NoLogChannel, InvokeUnstarted, CallFailed, InitByNonMonitor,
// RegisterByNonMonitor, InitAlreadyStarted, MonitorRoleAmbiguous,
// UnexpectedSignal, UnknownMode, MainRoleNotFound, MainRoleAmbiguous). They
// keep their numbers so exit statuses stay stable for supervisors.

// LoggedOffset is added to the log tag of every logged misuse condition.
const LoggedOffset = 50

const (
	// ========== Success ==========
	Success ErrorCode = 0

	// ========== Diagnostic sink (1-3) ==========
	NoLogPath      ErrorCode = 1
	InvalidLogPath ErrorCode = 2
	LogWriteError  ErrorCode = 3

	// ========== OS, privilege and transport (4-18) ==========
	FailedChroot           ErrorCode = 4
	FailedSetgid           ErrorCode = 5
	FailedSetuid           ErrorCode = 6
	OKChildToo             ErrorCode = 7
	ServerInstructedClient ErrorCode = 8
	NegativeOne            ErrorCode = 9
	FailedChdir            ErrorCode = 10
	Sigaction              ErrorCode = 12
	NoLogChannel           ErrorCode = 13
	MultipleAsRole         ErrorCode = 14
	CannotAsRole           ErrorCode = 15
	ChannelBroke           ErrorCode = 16
	FDPassingUnsupported   ErrorCode = 17
	TransportSetup         ErrorCode = 18

	// ========== Logged misuse (LoggedOffset + tag) ==========

	// Protocol (tags 4-25)
	InvalidRequest        ErrorCode = LoggedOffset + 4
	StartAlreadyStarted   ErrorCode = LoggedOffset + 12
	SplitUnstarted        ErrorCode = LoggedOffset + 13
	RegisterAfterStart    ErrorCode = LoggedOffset + 20
	InvokeUnstarted       ErrorCode = LoggedOffset + 21
	CallFailed            ErrorCode = LoggedOffset + 23
	CallUnstarted         ErrorCode = LoggedOffset + 24
	LoopUnstarted         ErrorCode = LoggedOffset + 25
	InitByNonMonitor      ErrorCode = LoggedOffset + 26
	RegisterBeforeInit    ErrorCode = LoggedOffset + 31
	NotPrivileged         ErrorCode = LoggedOffset + 32
	NoRole                ErrorCode = LoggedOffset + 33
	UnknownCompartment    ErrorCode = LoggedOffset + 34
	CallNilHandle         ErrorCode = LoggedOffset + 35
	AllChildrenDead       ErrorCode = LoggedOffset + 37
	InitNonPrivileged     ErrorCode = LoggedOffset + 39
	RegisterByNonMonitor  ErrorCode = LoggedOffset + 40
	RegisterUnknown       ErrorCode = LoggedOffset + 41
	InitAlreadyStarted    ErrorCode = LoggedOffset + 47
	MonitorRoleNotFound   ErrorCode = LoggedOffset + 48
	MonitorRoleAmbiguous  ErrorCode = LoggedOffset + 49
	CallTimeoutNoHandler  ErrorCode = LoggedOffset + 51
	IdleTimeoutNoHandler  ErrorCode = LoggedOffset + 52
	UnexpectedSignal      ErrorCode = LoggedOffset + 53
	UnknownMode           ErrorCode = LoggedOffset + 54
	RegisteredWithMain    ErrorCode = LoggedOffset + 55
	DuplicateName         ErrorCode = LoggedOffset + 56
	MainRoleNotFound      ErrorCode = LoggedOffset + 57
	MainRoleAmbiguous     ErrorCode = LoggedOffset + 58
	AsRoleBeforeInit      ErrorCode = LoggedOffset + 59
	StartNoRegistrations  ErrorCode = LoggedOffset + 60
	RegistrationsExceeded ErrorCode = LoggedOffset + 63
	InvokeNil             ErrorCode = LoggedOffset + 64
	CallUnregistered      ErrorCode = LoggedOffset + 65
	PayloadTooLarge       ErrorCode = LoggedOffset + 66
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	Success: "Success",

	// Diagnostic sink
	NoLogPath:      "Log path environment variable is not set",
	InvalidLogPath: "Log path cannot be opened",
	LogWriteError:  "Failed to write log entry",

	// OS, privilege and transport
	FailedChroot:           "Failed to change filesystem root",
	FailedSetgid:           "Failed to set group id",
	FailedSetuid:           "Failed to set user id",
	OKChildToo:             "Child exited normally",
	ServerInstructedClient: "Peer instructed caller to terminate",
	NegativeOne:            "System call failed",
	FailedChdir:            "Failed to change directory",
	Sigaction:              "Failed to install signal handling",
	NoLogChannel:           "Log channel is not available",
	MultipleAsRole:         "Multiple calls to AsRole",
	CannotAsRole:           "Cannot act as unknown compartment",
	ChannelBroke:           "Compartment channel broke",
	FDPassingUnsupported:   "Descriptor passing is not supported by this transport",
	TransportSetup:         "Transport setup failed",

	// Logged misuse
	InvalidRequest:        "Invalid request from peer",
	StartAlreadyStarted:   "Start on already-started monitor",
	SplitUnstarted:        "Spawning main compartment on unstarted monitor",
	RegisterAfterStart:    "Register on started monitor",
	InvokeUnstarted:       "Invoking function on unstarted compartment",
	CallFailed:            "Registered function failed",
	CallUnstarted:         "Call on unstarted compartment",
	LoopUnstarted:         "Serving loop on unstarted monitor",
	InitByNonMonitor:      "Init called by non-monitor",
	RegisterBeforeInit:    "Register before Init is called",
	NotPrivileged:         "Privilege drop called in non-privileged process",
	NoRole:                "No compartment role selected",
	UnknownCompartment:    "Unknown compartment",
	CallNilHandle:         "Call on unregistered function",
	AllChildrenDead:       "All children dead",
	InitNonPrivileged:     "Init called in non-privileged process",
	RegisterByNonMonitor:  "Register called by non-monitor",
	RegisterUnknown:       "Register against undeclared compartment",
	InitAlreadyStarted:    "Init on already-started monitor",
	MonitorRoleNotFound:   "Monitor found no instance of main compartment",
	MonitorRoleAmbiguous:  "Monitor found multiple instances of main compartment",
	CallTimeoutNoHandler:  "Call timeout configured without callback",
	IdleTimeoutNoHandler:  "Activity timeout configured without callback",
	UnexpectedSignal:      "Unexpected signal received",
	UnknownMode:           "Unknown monitor mode",
	RegisteredWithMain:    "Functions should not be registered with the main compartment",
	DuplicateName:         "Different compartments must have different names",
	MainRoleNotFound:      "Found no instance of main compartment",
	MainRoleAmbiguous:     "Found multiple instances of main compartment",
	AsRoleBeforeInit:      "AsRole before Init is called",
	StartNoRegistrations:  "Start called before registrations were made",
	RegistrationsExceeded: "Registration capacity exceeded",
	InvokeNil:             "Attempting to invoke missing function",
	CallUnregistered:      "Attempting to call unregistered function",
	PayloadTooLarge:       "Payload exceeds fixed buffer capacity",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// ExitStatus returns the process exit status for the error code
func (c ErrorCode) ExitStatus() int {
	return int(c)
}

// Tag returns the number printed in "<n>" diagnostic prefixes. Logged
// misuse codes carry their offset-free tag; other codes are their own tag.
func (c ErrorCode) Tag() int {
	if c >= LoggedOffset {
		return int(c) - LoggedOffset
	}
	return int(c)
}

// Logged reports whether the code belongs to the logged misuse family.
func (c ErrorCode) Logged() bool {
	return c >= LoggedOffset
}
