// Package compost provides the channels that connect the monitor, the main
// compartment and the serving compartments.
//
// The monitor and main compartment always talk over anonymous pipes. The
// channel between main and each serving compartment is provided by a Backend:
// anonymous pipes inherited from the coordinator, named FIFOs on the
// filesystem, or a TCP connection.
package compost

import (
	"fmt"
	"os"
	"time"

	"libcompart/pkg/errors"
)

// Kind selects the backend used between main and serving compartments.
type Kind string

const (
	KindPipe    Kind = "pipe"
	KindDuplex  Kind = "duplex"
	KindNetwork Kind = "tcp"
)

const defaultDialTimeout = 5 * time.Second

// Options configures a Transport.
type Options struct {
	Kind        Kind          `yaml:"kind"`
	FDPassing   bool          `yaml:"fdPassing"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// Endpoint locates the channel of one compartment for backends that are not
// inherited. Path is the base path of the duplex FIFOs; Address and Port are
// where a network compartment listens.
type Endpoint struct {
	Path    string `yaml:"path"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Side tells which end of a compartment channel is meant.
type Side int

const (
	SideMain Side = iota
	SideCompartment
)

func (s Side) String() string {
	if s == SideMain {
		return "main"
	}
	return "compartment"
}

// MonitorSlot is the Handle slot of the monitor pair.
const MonitorSlot = -1

// Handle describes a file inherited by a re-executed compartment.
type Handle struct {
	Slot int    `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	FD   int    `cbor:"3,keyasint"`
}

// Handoff is a file the coordinator passes to a child under a name.
type Handoff struct {
	Name string
	File *os.File
}

// Names of handed-off files.
const (
	nameRead  = "r"
	nameWrite = "w"
	nameFD    = "fd"
)

// Backend establishes the channel between main and one serving compartment.
type Backend interface {
	Kind() Kind
	// Prepare runs in the coordinator before any child is started.
	Prepare(endpoints []Endpoint) error
	// Export lists the files the given side of compartment idx inherits.
	Export(idx int, side Side) []Handoff
	// Connect opens the main end of the channel to compartment idx.
	Connect(idx int, inherited map[string]*os.File) (*Conn, error)
	// Accept opens the compartment end of its channel to main.
	Accept(idx int, inherited map[string]*os.File) (*Conn, error)
	Close() error
}

// NewBackend returns the backend for opts.
func NewBackend(opts Options, endpoints []Endpoint) (Backend, error) {
	switch opts.Kind {
	case "", KindPipe:
		return newPipeBackend(len(endpoints)), nil
	case KindDuplex:
		return newDuplexBackend(endpoints), nil
	case KindNetwork:
		if opts.FDPassing {
			return nil, errors.New(errors.FDPassingUnsupported)
		}
		timeout := opts.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		return newNetworkBackend(endpoints, timeout), nil
	default:
		return nil, errors.Newf(errors.TransportSetup, "unknown transport kind %q", opts.Kind)
	}
}

func endpointAt(endpoints []Endpoint, idx int) (Endpoint, error) {
	if idx < 0 || idx >= len(endpoints) {
		return Endpoint{}, errors.Newf(errors.UnknownCompartment, "no endpoint for compartment %d", idx)
	}
	return endpoints[idx], nil
}

func inheritedFile(inherited map[string]*os.File, name string, idx int) (*os.File, error) {
	f, ok := inherited[name]
	if !ok || f == nil {
		return nil, errors.Newf(errors.TransportSetup, "compartment %d: missing inherited %s end", idx, name)
	}
	return f, nil
}

func wrapSetup(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, errors.TransportSetup, "%s: %v", fmt.Sprintf(format, args...), err)
}
