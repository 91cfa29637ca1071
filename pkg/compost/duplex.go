package compost

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"libcompart/pkg/errors"
)

// Suffixes of the four paths derived from a duplex endpoint. Main writes to
// _m2_w and reads _m2_r; the compartment reads _2m_r and writes _2m_w.
const (
	suffixMainWrite = "_m2_w"
	suffixMainRead  = "_m2_r"
	suffixCompWrite = "_2m_w"
	suffixCompRead  = "_2m_r"
)

// DuplexPaths returns the four paths derived from base, in the order
// main-write, main-read, compartment-write, compartment-read.
func DuplexPaths(base string) (mainW, mainR, compW, compR string) {
	return base + suffixMainWrite, base + suffixMainRead, base + suffixCompWrite, base + suffixCompRead
}

// Provision creates the FIFOs behind a duplex endpoint. Paths that already
// exist are left alone.
func Provision(base string) error {
	mainW, mainR, compW, compR := DuplexPaths(base)
	if err := ensureFIFO(mainW); err != nil {
		return err
	}
	if err := ensureLink(filepath.Base(mainW), compR); err != nil {
		return err
	}
	if err := ensureFIFO(compW); err != nil {
		return err
	}
	return ensureLink(filepath.Base(compW), mainR)
}

func ensureFIFO(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return nil
	}
	if err := unix.Mkfifo(path, 0600); err != nil && !stderrors.Is(err, fs.ErrExist) {
		return wrapSetup(err, "mkfifo %s", path)
	}
	return nil
}

func ensureLink(target, path string) error {
	if _, err := os.Lstat(path); err == nil {
		return nil
	}
	if err := os.Symlink(target, path); err != nil && !stderrors.Is(err, fs.ErrExist) {
		return wrapSetup(err, "link %s", path)
	}
	return nil
}

// duplexBackend opens named paths as plain files. Opening a FIFO blocks until
// the other end is opened, so main and the compartment open their ends in
// complementary order.
type duplexBackend struct {
	endpoints []Endpoint
}

func newDuplexBackend(endpoints []Endpoint) *duplexBackend {
	return &duplexBackend{endpoints: endpoints}
}

func (b *duplexBackend) Kind() Kind { return KindDuplex }

func (b *duplexBackend) Prepare(endpoints []Endpoint) error {
	for _, ep := range endpoints {
		if ep.Path == "" {
			continue
		}
		if err := Provision(ep.Path); err != nil {
			return err
		}
	}
	return nil
}

func (b *duplexBackend) Export(int, Side) []Handoff { return nil }

func (b *duplexBackend) Connect(idx int, _ map[string]*os.File) (*Conn, error) {
	base, err := b.base(idx)
	if err != nil {
		return nil, err
	}
	mainW, mainR, _, _ := DuplexPaths(base)
	w, err := os.OpenFile(mainW, os.O_WRONLY, 0)
	if err != nil {
		return nil, wrapSetup(err, "open %s", mainW)
	}
	r, err := os.OpenFile(mainR, os.O_RDONLY, 0)
	if err != nil {
		_ = w.Close()
		return nil, wrapSetup(err, "open %s", mainR)
	}
	return fileConn(r, w), nil
}

func (b *duplexBackend) Accept(idx int, _ map[string]*os.File) (*Conn, error) {
	base, err := b.base(idx)
	if err != nil {
		return nil, err
	}
	_, _, compW, compR := DuplexPaths(base)
	r, err := os.OpenFile(compR, os.O_RDONLY, 0)
	if err != nil {
		return nil, wrapSetup(err, "open %s", compR)
	}
	w, err := os.OpenFile(compW, os.O_WRONLY, 0)
	if err != nil {
		_ = r.Close()
		return nil, wrapSetup(err, "open %s", compW)
	}
	return fileConn(r, w), nil
}

func (b *duplexBackend) base(idx int) (string, error) {
	ep, err := endpointAt(b.endpoints, idx)
	if err != nil {
		return "", err
	}
	if ep.Path == "" {
		return "", errors.Newf(errors.TransportSetup, "compartment %d has no duplex path", idx)
	}
	return ep.Path, nil
}

func (b *duplexBackend) Close() error { return nil }
