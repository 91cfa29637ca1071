// Package compart partitions an application into compartments: isolated
// processes with reduced privileges that call each other's registered
// functions through a monitor.
//
// Every process of an application runs the same program. The coordinator
// calls Init and Register and then Start, which re-executes the program once
// per compartment and becomes the monitor. Re-executed processes make the
// same Init and Register calls; Start then turns them into their
// compartment. Start returns only in the main compartment.
package compart

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"libcompart/internal/privsep"
	"libcompart/internal/spawn"
	"libcompart/pkg/compost"
	"libcompart/pkg/errors"
	"libcompart/pkg/utils/contextkey"
	"libcompart/pkg/utils/logger"
)

// MaxRegistrations is the capacity of the function registry.
const MaxRegistrations = 10

const (
	// DefaultLogEnvVar names the variable holding the log file path.
	DefaultLogEnvVar = "COMPART_LOG"

	monitorName = "(monitor)"
	mainPeer    = "(main)"
)

// Compartment declares one isolated process.
type Compartment struct {
	Name           string           `yaml:"name"`
	UID            int              `yaml:"uid"`
	GID            int              `yaml:"gid"`
	Root           string           `yaml:"root"`
	Endpoint       compost.Endpoint `yaml:"endpoint"`
	SeccompProfile string           `yaml:"seccompProfile"`
	// PreInit runs in the compartment before privileges are dropped.
	PreInit func() `yaml:"-"`
}

// Config is the process-wide policy, fixed at Init.
type Config struct {
	// Zero disables a timeout. A non-zero timeout requires its callback.
	CallTimeout     time.Duration `yaml:"callTimeout"`
	ActivityTimeout time.Duration `yaml:"activityTimeout"`

	OnCallTimeout     func(idx int) `yaml:"-"`
	OnActivityTimeout func()        `yaml:"-"`
	OnTermination     func(idx int) `yaml:"-"`
	// OnCommBreak receives the index of the unreachable peer, -1 for the
	// monitor.
	OnCommBreak func(idx int) `yaml:"-"`

	SpawnChildren     bool            `yaml:"spawnChildren"`
	SkipPrivilegeDrop bool            `yaml:"skipPrivilegeDrop"`
	Transport         compost.Options `yaml:"transport"`
	LogEnvVar         string          `yaml:"logEnvVar"`
	Logger            logger.Config   `yaml:"logger"`
}

// DefaultConfig returns the policy used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		SpawnChildren: true,
		Transport:     compost.Options{Kind: compost.KindPipe},
		LogEnvVar:     DefaultLogEnvVar,
	}
}

// Data is the argument or result of a remote call. Files are only carried
// when descriptor passing is enabled.
type Data struct {
	Buf   []byte
	Files []*os.File
}

// Func is a function callable from another compartment.
type Func func(Data) (Data, error)

// Handle identifies a registered function within one run.
type Handle struct {
	run uuid.UUID
	id  int
}

// IsZero reports whether h was never returned by Register.
func (h Handle) IsZero() bool { return h.run == uuid.Nil }

type registration struct {
	owner int
	fn    Func
}

type role int

const (
	roleCoordinator role = iota
	roleMain
	roleServing
)

// Runtime is the per-process compartment state.
type Runtime struct {
	cfg   Config
	comps []Compartment
	regs  []registration
	run   uuid.UUID

	env  spawn.Env
	boot spawn.Bootstrap

	role    role
	self    int
	main    int
	name    string
	started bool
	asRole  bool

	transport *compost.Transport
	sup       *supervision
	log       *logger.Logger
	ownLog    bool
	ctx       context.Context
	sys       privsep.System

	exit      func(int)
	exitCode  errors.ErrorCode
	awaitKill func()
	spawnOpts []spawn.Option
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithExitFunc replaces os.Exit for fatal conditions.
func WithExitFunc(exit func(int)) Option {
	return func(r *Runtime) { r.exit = exit }
}

// WithLogger uses l instead of the log file named by the environment.
func WithLogger(l *logger.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithSystem replaces the credential operations used to drop privileges.
func WithSystem(sys privsep.System) Option {
	return func(r *Runtime) { r.sys = sys }
}

// WithCommand re-executes path with args instead of the running program.
func WithCommand(path string, args ...string) Option {
	return func(r *Runtime) { r.spawnOpts = append(r.spawnOpts, spawn.WithCommand(path, args...)) }
}

// exitProcess terminates misuse of a nil Runtime.
var exitProcess = os.Exit

// Init validates the compartments and policy and prepares the transport. In
// a re-executed compartment process it also joins the run it belongs to.
func Init(comps []Compartment, cfg Config, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:       cfg,
		self:      -1,
		main:      -1,
		name:      monitorName,
		exit:      os.Exit,
		sys:       privsep.OS{},
		awaitKill: sleepForever,
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.LogEnvVar == "" {
		r.cfg.LogEnvVar = DefaultLogEnvVar
	}

	env, err := spawn.ReadEnv()
	if err != nil {
		return nil, r.fail(errors.Wrap(err, errors.NegativeOne))
	}
	r.env = env
	if env.Child() {
		boot, err := spawn.ReadBootstrap()
		if err != nil {
			return nil, r.fail(errors.Wrap(err, errors.NegativeOne))
		}
		r.boot = boot
		r.name = env.Role
		if r.run, err = uuid.Parse(boot.Run); err != nil {
			return nil, r.fail(errors.Wrapf(err, errors.NegativeOne, "invalid run id %q", boot.Run))
		}
	} else {
		r.run = uuid.New()
	}

	if err := r.openLog(); err != nil {
		return nil, err
	}
	r.refreshContext()

	if r.cfg.SpawnChildren && !r.cfg.SkipPrivilegeDrop && r.sys.Geteuid() != 0 {
		return nil, r.fail(errors.New(errors.InitNonPrivileged))
	}
	if r.cfg.CallTimeout > 0 && r.cfg.OnCallTimeout == nil {
		return nil, r.fail(errors.New(errors.CallTimeoutNoHandler))
	}
	if r.cfg.ActivityTimeout > 0 && r.cfg.OnActivityTimeout == nil {
		return nil, r.fail(errors.New(errors.IdleTimeoutNoHandler))
	}
	seen := make(map[string]int, len(comps))
	for i, c := range comps {
		if c.Name == "" {
			return nil, r.fail(errors.Newf(errors.NoRole, "compartment %d has no name", i))
		}
		if j, ok := seen[c.Name]; ok {
			return nil, r.fail(errors.Newf(errors.DuplicateName, "compartments %d and %d are both named %q", j, i, c.Name))
		}
		seen[c.Name] = i
	}

	if r.cfg.OnTermination == nil {
		r.cfg.OnTermination = r.defaultTermination
	}
	if r.cfg.OnCommBreak == nil {
		r.cfg.OnCommBreak = r.defaultCommBreak
	}

	r.event(42, "initialising")

	r.comps = make([]Compartment, len(comps))
	copy(r.comps, comps)
	endpoints := make([]compost.Endpoint, len(comps))
	for i, c := range comps {
		endpoints[i] = c.Endpoint
	}
	if env.Child() {
		r.transport, err = compost.Adopt(r.cfg.Transport, endpoints, r.boot.Handles)
	} else {
		r.transport, err = compost.New(r.cfg.Transport, endpoints)
	}
	if err != nil {
		return nil, r.fail(errors.GetError(err))
	}
	return r, nil
}

// openLog opens the diagnostic sink. The path variable is read once and
// removed from the environment; children write to the inherited file.
func (r *Runtime) openLog() error {
	if r.log != nil {
		return nil
	}
	if !logger.Enabled {
		r.log = logger.Nop()
		return nil
	}

	var file *os.File
	if r.env.Child() {
		if r.boot.LogFD < 0 {
			r.log = logger.Nop()
			return nil
		}
		file = os.NewFile(uintptr(r.boot.LogFD), "compart-log")
	} else {
		path, ok := os.LookupEnv(r.cfg.LogEnvVar)
		if !ok || path == "" {
			return r.fail(errors.Newf(errors.NoLogPath, "%s is not set", r.cfg.LogEnvVar))
		}
		_ = os.Unsetenv(r.cfg.LogEnvVar)
		f, err := logger.OpenFile(path)
		if err != nil {
			return r.fail(errors.Wrap(err, errors.InvalidLogPath))
		}
		file = f
	}

	l, err := logger.NewFileLogger(r.cfg.Logger, file, r.onLogWriteError)
	if err != nil {
		_ = file.Close()
		return r.fail(errors.Wrap(err, errors.InvalidLogPath))
	}
	r.log = l
	r.ownLog = true
	return nil
}

func (r *Runtime) onLogWriteError(error) {
	if r.exitCode == errors.Success {
		r.exitCode = errors.LogWriteError
	}
	r.exit(r.exitCode.ExitStatus())
}

func (r *Runtime) refreshContext() {
	ctx := context.WithValue(context.Background(), contextkey.Compartment, r.name)
	ctx = context.WithValue(ctx, contextkey.RunID, r.run.String())
	r.ctx = context.WithValue(ctx, contextkey.PID, os.Getpid())
}

func (r *Runtime) setName(name string) {
	r.name = name
	r.refreshContext()
}

// event writes a tagged diagnostic line.
func (r *Runtime) event(tag int, msg string, fields ...zap.Field) {
	r.logAt(zapcore.InfoLevel, tag, msg, fields...)
}

func (r *Runtime) logAt(level zapcore.Level, tag int, msg string, fields ...zap.Field) {
	if r.log == nil {
		fmt.Fprintf(os.Stderr, "<%d> %s\n", tag, msg)
		return
	}
	fields = append(fields, zap.Int("code", tag))
	if ce := r.log.WithContext(r.ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// fail records the first fatal condition, logs err and exits. It returns
// err for callers whose exit function returns.
func (r *Runtime) fail(err *errors.Error) error {
	if err == nil {
		return nil
	}
	r.logAt(zapcore.ErrorLevel, err.Code.Tag(), err.Error())
	if r.exitCode == errors.Success {
		r.exitCode = err.Code
	}
	r.exit(r.exitCode.ExitStatus())
	return err
}

// failNil handles operations invoked on a Runtime that Init never returned.
func failNil(code errors.ErrorCode) error {
	err := errors.New(code)
	fmt.Fprintf(os.Stderr, "<%d> %s\n", code.Tag(), err.Error())
	exitProcess(code.ExitStatus())
	return err
}

// ExitCode returns the first fatal condition recorded by this process.
func (r *Runtime) ExitCode() errors.ErrorCode {
	if r == nil {
		return errors.Success
	}
	return r.exitCode
}

// Register binds fn to the named compartment.
func (r *Runtime) Register(name string, fn Func) (Handle, error) {
	if r == nil {
		return Handle{}, failNil(errors.RegisterBeforeInit)
	}
	if r.started {
		return Handle{}, r.fail(errors.New(errors.RegisterAfterStart))
	}
	if len(r.regs) >= MaxRegistrations {
		return Handle{}, r.fail(errors.Newf(errors.RegistrationsExceeded, "registry holds at most %d functions", MaxRegistrations))
	}
	idx := r.index(name)
	if idx < 0 {
		return Handle{}, r.fail(errors.Newf(errors.RegisterUnknown, "register against undeclared compartment %q", name))
	}
	r.regs = append(r.regs, registration{owner: idx, fn: fn})
	return Handle{run: r.run, id: len(r.regs) - 1}, nil
}

// Name returns the name of the compartment this process runs as, or
// "(monitor)" in the coordinator.
func (r *Runtime) Name() string {
	if r == nil {
		return ""
	}
	return r.name
}

// Log writes msg to the diagnostic sink.
func (r *Runtime) Log(msg string) {
	if r == nil {
		return
	}
	r.logAt(zapcore.InfoLevel, 0, msg)
}

// Close flushes the diagnostic sink and releases the transport. A log file
// opened by Init is closed; a logger passed with WithLogger is only synced.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	if r.transport != nil {
		_ = r.transport.Close()
	}
	switch {
	case r.log == nil:
		return nil
	case r.ownLog:
		l := r.log
		r.log, r.ownLog = logger.Nop(), false
		return l.Close()
	default:
		return r.log.Sync()
	}
}

func (r *Runtime) index(name string) int {
	for i, c := range r.comps {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (r *Runtime) compartmentName(idx int) string {
	if idx < 0 || idx >= len(r.comps) {
		return ""
	}
	return r.comps[idx].Name
}

func sleepForever() {
	for {
		time.Sleep(time.Hour)
	}
}
