package compost

import (
	stderrors "errors"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"libcompart/pkg/errors"
)

// MaxFiles is the most descriptors carried by one SendFiles call.
const MaxFiles = 4

// Conn is one end of a duplex channel. Send and Recv move whole frames and
// block; a Recv that returns 0 bytes with an error means the peer is gone.
type Conn struct {
	r       io.Reader
	w       io.Writer
	closers []io.Closer
	fd      *os.File

	closeOnce sync.Once
	closeErr  error
}

func fileConn(r, w *os.File) *Conn {
	return &Conn{r: r, w: w, closers: []io.Closer{r, w}}
}

func netConn(c net.Conn) *Conn {
	return &Conn{r: c, w: c, closers: []io.Closer{c}}
}

// Send writes b in full and returns the number of bytes written.
func (c *Conn) Send(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Recv fills b. A peer that closes mid-frame is reported as io.EOF.
func (c *Conn) Recv(b []byte) (int, error) {
	n, err := io.ReadFull(c.r, b)
	if stderrors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CanPassFiles reports whether descriptors can be sent on this channel.
func (c *Conn) CanPassFiles() bool {
	return c.fd != nil
}

// SendFiles passes descriptors to the peer. The caller keeps its copies.
func (c *Conn) SendFiles(files []*os.File) error {
	if len(files) == 0 {
		return nil
	}
	if c.fd == nil {
		return errors.New(errors.FDPassingUnsupported)
	}
	if len(files) > MaxFiles {
		return errors.Newf(errors.PayloadTooLarge, "cannot pass %d descriptors", len(files))
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	rights := unix.UnixRights(fds...)
	return unix.Sendmsg(int(c.fd.Fd()), []byte{byte(len(fds))}, rights, nil, 0)
}

// RecvFiles receives exactly n descriptors sent with SendFiles.
func (c *Conn) RecvFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	if c.fd == nil {
		return nil, errors.New(errors.FDPassingUnsupported)
	}
	if n > MaxFiles {
		return nil, errors.Newf(errors.PayloadTooLarge, "cannot receive %d descriptors", n)
	}
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(MaxFiles*4))
	got, oobn, _, _, err := unix.Recvmsg(int(c.fd.Fd()), buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if got == 0 && oobn == 0 {
		return nil, io.EOF
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return nil, err
		}
		fds = append(fds, rights...)
	}
	files := make([]*os.File, 0, len(fds))
	for _, fd := range fds {
		files = append(files, os.NewFile(uintptr(fd), "compost-passed"))
	}
	if len(files) != n {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, errors.Newf(errors.InvalidRequest, "expected %d descriptors, got %d", n, len(fds))
	}
	return files, nil
}

// Close releases every handle of the channel.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		if c.fd != nil {
			if err := c.fd.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
