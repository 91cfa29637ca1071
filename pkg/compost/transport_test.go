package compost

import (
	"bytes"
	stderrors "errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"libcompart/pkg/errors"
)

// dupHandles re-points handles at duplicates of the handed-off files so an
// adopted transport in the same process owns its own descriptors.
func dupHandles(t *testing.T, files []*os.File, handles []Handle) []Handle {
	t.Helper()
	out := make([]Handle, len(handles))
	for i, h := range handles {
		fd, err := unix.Dup(int(files[i].Fd()))
		if err != nil {
			t.Fatalf("dup: %v", err)
		}
		h.FD = fd
		out[i] = h
	}
	return out
}

type pair struct {
	coordinator *Transport
	main        *Transport
	comp        *Transport
}

func newPair(t *testing.T, opts Options, endpoints []Endpoint) pair {
	t.Helper()
	coord, err := New(opts, endpoints)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := coord.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	mainFiles, mainHandles := coord.HandoffMain(4, []int{0})
	compFiles, compHandles := coord.HandoffCompartment(4, 0)
	mainT, err := Adopt(opts, endpoints, dupHandles(t, mainFiles, mainHandles))
	if err != nil {
		t.Fatalf("adopt main: %v", err)
	}
	compT, err := Adopt(opts, endpoints, dupHandles(t, compFiles, compHandles))
	if err != nil {
		t.Fatalf("adopt compartment: %v", err)
	}
	coord.CloseExported()

	p := pair{coordinator: coord, main: mainT, comp: compT}
	t.Cleanup(func() {
		_ = p.main.Close()
		_ = p.comp.Close()
		_ = p.coordinator.Close()
	})
	return p
}

func connect(t *testing.T, p pair) (*Conn, *Conn) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- p.comp.As(0) }()
	if err := p.main.Start([]int{0}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("as: %v", err)
	}
	toComp, err := p.main.To(0)
	if err != nil {
		t.Fatalf("to: %v", err)
	}
	serving, err := p.comp.Serving()
	if err != nil {
		t.Fatalf("serving: %v", err)
	}
	return toComp, serving
}

func exchange(t *testing.T, a, b *Conn) {
	t.Helper()
	msg := []byte("ping-frame")
	if n, err := a.Send(msg); err != nil || n != len(msg) {
		t.Fatalf("send = %d, %v", n, err)
	}
	got := make([]byte, len(msg))
	if n, err := b.Recv(got); err != nil || n != len(msg) {
		t.Fatalf("recv = %d, %v", n, err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("recv %q, want %q", got, msg)
	}

	reply := []byte("pong")
	if _, err := b.Send(reply); err != nil {
		t.Fatalf("reply send: %v", err)
	}
	got = make([]byte, len(reply))
	if _, err := a.Recv(got); err != nil {
		t.Fatalf("reply recv: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("reply %q, want %q", got, reply)
	}
}

func TestPipeTransport(t *testing.T) {
	p := newPair(t, Options{Kind: KindPipe}, []Endpoint{{}})
	toComp, serving := connect(t, p)
	exchange(t, toComp, serving)

	// Monitor pair: main writes requests, the coordinator reads them.
	mainMon, err := p.main.Monitor()
	if err != nil {
		t.Fatalf("main monitor: %v", err)
	}
	coordMon, err := p.coordinator.Monitor()
	if err != nil {
		t.Fatalf("coordinator monitor: %v", err)
	}
	exchange(t, mainMon, coordMon)
}

func TestPipeTransportReportsPeerGone(t *testing.T) {
	p := newPair(t, Options{Kind: KindPipe}, []Endpoint{{}})
	toComp, serving := connect(t, p)

	if err := toComp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	n, err := serving.Recv(make([]byte, 8))
	if n != 0 || !stderrors.Is(err, io.EOF) {
		t.Fatalf("recv after close = %d, %v; want 0, EOF", n, err)
	}
}

func TestFilePassing(t *testing.T) {
	p := newPair(t, Options{Kind: KindPipe, FDPassing: true}, []Endpoint{{}})
	toComp, serving := connect(t, p)
	if !toComp.CanPassFiles() || !serving.CanPassFiles() {
		t.Fatal("expected descriptor passing to be available")
	}

	path := filepath.Join(t.TempDir(), "passed.txt")
	if err := os.WriteFile(path, []byte("hello from main"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if err := toComp.SendFiles([]*os.File{f}); err != nil {
		t.Fatalf("send files: %v", err)
	}
	files, err := serving.RecvFiles(1)
	if err != nil {
		t.Fatalf("recv files: %v", err)
	}
	defer files[0].Close()
	data, err := io.ReadAll(files[0])
	if err != nil {
		t.Fatalf("read passed file: %v", err)
	}
	if string(data) != "hello from main" {
		t.Fatalf("passed file contents = %q", data)
	}
}

func TestFilePassingDisabled(t *testing.T) {
	p := newPair(t, Options{Kind: KindPipe}, []Endpoint{{}})
	toComp, _ := connect(t, p)
	if err := toComp.SendFiles([]*os.File{os.Stdin}); !errors.Is(err, errors.FDPassingUnsupported) {
		t.Fatalf("send files err = %v", err)
	}
	if files, err := toComp.RecvFiles(0); err != nil || files != nil {
		t.Fatalf("recv zero files = %v, %v", files, err)
	}
}

func TestDuplexTransport(t *testing.T) {
	base := filepath.Join(t.TempDir(), "hello")
	p := newPair(t, Options{Kind: KindDuplex}, []Endpoint{{Path: base}})

	for _, path := range []string{base + "_m2_w", base + "_m2_r", base + "_2m_w", base + "_2m_r"} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to exist: %v", path, err)
		}
	}
	toComp, serving := connect(t, p)
	exchange(t, toComp, serving)
}

func TestDuplexRequiresPath(t *testing.T) {
	b := newDuplexBackend([]Endpoint{{}})
	if _, err := b.Connect(0, nil); !errors.Is(err, errors.TransportSetup) {
		t.Fatalf("connect err = %v", err)
	}
	if _, err := b.Accept(3, nil); !errors.Is(err, errors.UnknownCompartment) {
		t.Fatalf("accept err = %v", err)
	}
}

func TestNetworkTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	opts := Options{Kind: KindNetwork, DialTimeout: 5 * time.Second}
	p := newPair(t, opts, []Endpoint{{Address: "127.0.0.1", Port: port}})
	toComp, serving := connect(t, p)
	exchange(t, toComp, serving)
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want errors.ErrorCode
	}{
		{name: "network with fd passing", opts: Options{Kind: KindNetwork, FDPassing: true}, want: errors.FDPassingUnsupported},
		{name: "unknown kind", opts: Options{Kind: "carrier-pigeon"}, want: errors.TransportSetup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, []Endpoint{{}})
			if errors.GetCode(err) != tt.want {
				t.Fatalf("New err = %v, want code %d", err, tt.want)
			}
		})
	}

	tr, err := New(Options{}, nil)
	if err != nil {
		t.Fatalf("default options: %v", err)
	}
	if tr.Kind() != KindPipe {
		t.Fatalf("default kind = %s, want pipe", tr.Kind())
	}
}

func TestHandoffNumbering(t *testing.T) {
	coord, err := New(Options{Kind: KindPipe, FDPassing: true}, []Endpoint{{}, {}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := coord.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer coord.Close()

	files, handles := coord.HandoffMain(5, []int{1})
	// monitor pair, pipe pair and fd socket of compartment 1
	if len(files) != 5 || len(handles) != 5 {
		t.Fatalf("handoff sizes = %d/%d, want 5", len(files), len(handles))
	}
	for i, h := range handles {
		if h.FD != 5+i {
			t.Fatalf("handle %d fd = %d, want %d", i, h.FD, 5+i)
		}
	}
	if handles[0].Slot != MonitorSlot || handles[4].Slot != 1 || handles[4].Name != nameFD {
		t.Fatalf("unexpected handles: %+v", handles)
	}

	if err := coord.Init(); !errors.Is(err, errors.TransportSetup) {
		t.Fatalf("second init err = %v", err)
	}
}

func TestUnconnectedAccessors(t *testing.T) {
	tr, err := New(Options{}, []Endpoint{{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := tr.Monitor(); err == nil {
		t.Fatal("expected monitor error")
	}
	if _, err := tr.To(0); !errors.Is(err, errors.UnknownCompartment) {
		t.Fatalf("to err = %v", err)
	}
	if _, err := tr.Serving(); !errors.Is(err, errors.CannotAsRole) {
		t.Fatalf("serving err = %v", err)
	}
	if err := tr.As(4); !errors.Is(err, errors.UnknownCompartment) {
		t.Fatalf("as err = %v", err)
	}
}
