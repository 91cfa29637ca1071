package compost

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// pipePair is a unidirectional anonymous pipe.
type pipePair struct {
	r, w *os.File
}

func newPipe(name string) (pipePair, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return pipePair{}, fmt.Errorf("pipe %s: %w", name, err)
	}
	return pipePair{
		r: os.NewFile(uintptr(fds[0]), name+"-r"),
		w: os.NewFile(uintptr(fds[1]), name+"-w"),
	}, nil
}

func (p pipePair) close() {
	if p.r != nil {
		_ = p.r.Close()
	}
	if p.w != nil {
		_ = p.w.Close()
	}
}

// pipeBackend connects main and each compartment with two anonymous pipes
// created by the coordinator and inherited by both children.
type pipeBackend struct {
	down []pipePair // main -> compartment
	up   []pipePair // compartment -> main
}

func newPipeBackend(n int) *pipeBackend {
	return &pipeBackend{
		down: make([]pipePair, n),
		up:   make([]pipePair, n),
	}
}

func (b *pipeBackend) Kind() Kind { return KindPipe }

func (b *pipeBackend) Prepare(endpoints []Endpoint) error {
	for i := range endpoints {
		down, err := newPipe(fmt.Sprintf("compost-%d-down", i))
		if err != nil {
			_ = b.Close()
			return wrapSetup(err, "compartment %d", i)
		}
		b.down[i] = down
		up, err := newPipe(fmt.Sprintf("compost-%d-up", i))
		if err != nil {
			_ = b.Close()
			return wrapSetup(err, "compartment %d", i)
		}
		b.up[i] = up
	}
	return nil
}

func (b *pipeBackend) Export(idx int, side Side) []Handoff {
	if idx < 0 || idx >= len(b.down) || b.down[idx].r == nil {
		return nil
	}
	if side == SideMain {
		return []Handoff{
			{Name: nameRead, File: b.up[idx].r},
			{Name: nameWrite, File: b.down[idx].w},
		}
	}
	return []Handoff{
		{Name: nameRead, File: b.down[idx].r},
		{Name: nameWrite, File: b.up[idx].w},
	}
}

func (b *pipeBackend) Connect(idx int, inherited map[string]*os.File) (*Conn, error) {
	return b.open(idx, inherited)
}

func (b *pipeBackend) Accept(idx int, inherited map[string]*os.File) (*Conn, error) {
	return b.open(idx, inherited)
}

func (b *pipeBackend) open(idx int, inherited map[string]*os.File) (*Conn, error) {
	r, err := inheritedFile(inherited, nameRead, idx)
	if err != nil {
		return nil, err
	}
	w, err := inheritedFile(inherited, nameWrite, idx)
	if err != nil {
		return nil, err
	}
	return fileConn(r, w), nil
}

func (b *pipeBackend) Close() error {
	for i := range b.down {
		b.down[i].close()
		b.up[i].close()
	}
	return nil
}
