package compost

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"libcompart/pkg/errors"
)

// Transport owns every channel end held by one process.
//
// In the coordinator, Init creates the monitor pair, the backend resources
// and the descriptor-passing sockets; the Handoff methods list what each
// child inherits and CloseExported drops the coordinator's copies once the
// children are running. In a child, Adopt rebuilds the inherited ends and
// Start (main) or As (serving compartment) opens the compartment channels.
type Transport struct {
	opts      Options
	endpoints []Endpoint
	backend   Backend

	// coordinator state
	toMonitor   pipePair // main -> monitor
	fromMonitor pipePair // monitor -> main
	fdPairs     [][2]*os.File
	initialised bool

	// child state
	inherited map[int]map[string]*os.File

	monitor *Conn
	peers   map[int]*Conn
	serving *Conn
}

// New validates opts and returns an unconnected transport. One endpoint is
// expected per compartment, in compartment order.
func New(opts Options, endpoints []Endpoint) (*Transport, error) {
	backend, err := NewBackend(opts, endpoints)
	if err != nil {
		return nil, err
	}
	eps := make([]Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &Transport{
		opts:      opts,
		endpoints: eps,
		backend:   backend,
		inherited: make(map[int]map[string]*os.File),
		peers:     make(map[int]*Conn),
	}, nil
}

// Kind returns the backend kind.
func (t *Transport) Kind() Kind {
	return t.backend.Kind()
}

// Init allocates the monitor pair and one channel per compartment.
func (t *Transport) Init() error {
	if t.initialised {
		return errors.New(errors.TransportSetup).WithMessage("transport already initialised")
	}
	var err error
	if t.toMonitor, err = newPipe("compost-monitor-req"); err != nil {
		return wrapSetup(err, "monitor")
	}
	if t.fromMonitor, err = newPipe("compost-monitor-resp"); err != nil {
		t.toMonitor.close()
		return wrapSetup(err, "monitor")
	}
	if err := t.backend.Prepare(t.endpoints); err != nil {
		t.toMonitor.close()
		t.fromMonitor.close()
		return err
	}
	if t.opts.FDPassing {
		t.fdPairs = make([][2]*os.File, len(t.endpoints))
		for i := range t.endpoints {
			fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
			if err != nil {
				t.toMonitor.close()
				t.fromMonitor.close()
				t.CloseExported()
				return wrapSetup(err, "socketpair %d", i)
			}
			t.fdPairs[i] = [2]*os.File{
				os.NewFile(uintptr(fds[0]), fmt.Sprintf("compost-%d-fd-main", i)),
				os.NewFile(uintptr(fds[1]), fmt.Sprintf("compost-%d-fd-comp", i)),
			}
		}
	}
	t.initialised = true
	t.monitor = fileConn(t.toMonitor.r, t.fromMonitor.w)
	return nil
}

// HandoffMain lists the files the main compartment inherits. Handles are
// numbered from base, the descriptor of the first returned file in the child.
func (t *Transport) HandoffMain(base int, callees []int) ([]*os.File, []Handle) {
	var (
		files   []*os.File
		handles []Handle
	)
	add := func(slot int, name string, f *os.File) {
		if f == nil {
			return
		}
		handles = append(handles, Handle{Slot: slot, Name: name, FD: base + len(files)})
		files = append(files, f)
	}
	add(MonitorSlot, nameWrite, t.toMonitor.w)
	add(MonitorSlot, nameRead, t.fromMonitor.r)
	for _, idx := range callees {
		for _, h := range t.backend.Export(idx, SideMain) {
			add(idx, h.Name, h.File)
		}
		if t.fdPairs != nil && idx < len(t.fdPairs) {
			add(idx, nameFD, t.fdPairs[idx][0])
		}
	}
	return files, handles
}

// HandoffCompartment lists the files serving compartment idx inherits.
func (t *Transport) HandoffCompartment(base int, idx int) ([]*os.File, []Handle) {
	var (
		files   []*os.File
		handles []Handle
	)
	add := func(name string, f *os.File) {
		if f == nil {
			return
		}
		handles = append(handles, Handle{Slot: idx, Name: name, FD: base + len(files)})
		files = append(files, f)
	}
	for _, h := range t.backend.Export(idx, SideCompartment) {
		add(h.Name, h.File)
	}
	if t.fdPairs != nil && idx < len(t.fdPairs) {
		add(nameFD, t.fdPairs[idx][1])
	}
	return files, handles
}

// CloseExported closes every handle the coordinator created for its
// children, keeping only the monitor end of the monitor pair.
func (t *Transport) CloseExported() {
	_ = t.toMonitor.w.Close()
	_ = t.fromMonitor.r.Close()
	_ = t.backend.Close()
	for _, p := range t.fdPairs {
		_ = p[0].Close()
		_ = p[1].Close()
	}
	t.fdPairs = nil
}

// Adopt rebuilds a transport from files inherited by a re-executed child.
func Adopt(opts Options, endpoints []Endpoint, handles []Handle) (*Transport, error) {
	t, err := New(opts, endpoints)
	if err != nil {
		return nil, err
	}
	for _, h := range handles {
		if h.FD < 0 {
			return nil, errors.Newf(errors.TransportSetup, "invalid inherited descriptor %d", h.FD)
		}
		m, ok := t.inherited[h.Slot]
		if !ok {
			m = make(map[string]*os.File)
			t.inherited[h.Slot] = m
		}
		m[h.Name] = os.NewFile(uintptr(h.FD), fmt.Sprintf("compost-%d-%s", h.Slot, h.Name))
	}
	return t, nil
}

// Start opens main's channels: the monitor pair and one channel per callee.
func (t *Transport) Start(callees []int) error {
	mon := t.inherited[MonitorSlot]
	w, err := inheritedFile(mon, nameWrite, MonitorSlot)
	if err != nil {
		return err
	}
	r, err := inheritedFile(mon, nameRead, MonitorSlot)
	if err != nil {
		return err
	}
	t.monitor = fileConn(r, w)

	for _, idx := range callees {
		conn, err := t.backend.Connect(idx, t.inherited[idx])
		if err != nil {
			return err
		}
		if err := t.attachFD(conn, idx); err != nil {
			_ = conn.Close()
			return err
		}
		t.peers[idx] = conn
	}
	return nil
}

// As opens the serving end of compartment idx.
func (t *Transport) As(idx int) error {
	if idx < 0 || idx >= len(t.endpoints) {
		return errors.Newf(errors.UnknownCompartment, "no channel for compartment %d", idx)
	}
	conn, err := t.backend.Accept(idx, t.inherited[idx])
	if err != nil {
		return err
	}
	if err := t.attachFD(conn, idx); err != nil {
		_ = conn.Close()
		return err
	}
	t.serving = conn
	return nil
}

func (t *Transport) attachFD(conn *Conn, idx int) error {
	if !t.opts.FDPassing {
		return nil
	}
	f, err := inheritedFile(t.inherited[idx], nameFD, idx)
	if err != nil {
		return err
	}
	conn.fd = f
	return nil
}

// Monitor returns this process's end of the monitor pair: the request
// reader in the coordinator, the request writer in main.
func (t *Transport) Monitor() (*Conn, error) {
	if t.monitor == nil {
		return nil, errors.New(errors.TransportSetup).WithMessage("monitor channel not open")
	}
	return t.monitor, nil
}

// To returns main's channel to compartment idx.
func (t *Transport) To(idx int) (*Conn, error) {
	conn, ok := t.peers[idx]
	if !ok {
		return nil, errors.Newf(errors.UnknownCompartment, "no channel to compartment %d", idx)
	}
	return conn, nil
}

// Serving returns a serving compartment's channel to main.
func (t *Transport) Serving() (*Conn, error) {
	if t.serving == nil {
		return nil, errors.New(errors.CannotAsRole).WithMessage("compartment channel not open")
	}
	return t.serving, nil
}

// Close releases every handle held by the transport.
func (t *Transport) Close() error {
	if t.monitor != nil {
		_ = t.monitor.Close()
	}
	for _, c := range t.peers {
		_ = c.Close()
	}
	if t.serving != nil {
		_ = t.serving.Close()
	}
	if t.initialised {
		t.toMonitor.close()
		t.fromMonitor.close()
		t.CloseExported()
	}
	for _, m := range t.inherited {
		for _, f := range m {
			_ = f.Close()
		}
	}
	return nil
}
