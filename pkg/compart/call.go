package compart

import (
	stderrors "errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"libcompart/internal/wire"
	"libcompart/pkg/compost"
	"libcompart/pkg/errors"
)

// Call runs the function behind h in its compartment and returns its
// result. The monitor is told about the call before the callee receives it
// and about the return once the result is in.
//
// When the callee's function reports an error, Call returns its output
// together with the error number the callee reported as a syscall.Errno.
func (r *Runtime) Call(h Handle, arg Data) (Data, error) {
	if r == nil {
		return Data{}, failNil(errors.CallUnstarted)
	}
	if !r.started {
		return Data{}, r.fail(errors.New(errors.CallUnstarted))
	}
	if r.role != roleMain {
		return Data{}, r.fail(errors.Newf(errors.CallUnstarted, "%s cannot issue calls", r.name))
	}
	if h.IsZero() {
		return Data{}, r.fail(errors.New(errors.CallNilHandle))
	}
	if h.run != r.run || h.id < 0 || h.id >= len(r.regs) || r.regs[h.id].fn == nil {
		return Data{}, r.fail(errors.Newf(errors.CallUnregistered, "handle %d does not belong to this run", h.id))
	}
	reg := r.regs[h.id]
	if len(arg.Buf) > wire.ArgSize {
		return Data{}, r.fail(errors.Newf(errors.PayloadTooLarge, "argument of %d bytes exceeds %d", len(arg.Buf), wire.ArgSize))
	}
	if len(arg.Files) > wire.MaxFiles {
		return Data{}, r.fail(errors.Newf(errors.PayloadTooLarge, "%d descriptors exceed %d", len(arg.Files), wire.MaxFiles))
	}
	for i, f := range arg.Files {
		if f == nil {
			return Data{}, r.fail(errors.Newf(errors.InvalidRequest, "descriptor %d is nil", i))
		}
	}

	callee, err := r.transport.To(reg.owner)
	if err != nil {
		return Data{}, r.fail(errors.GetError(err))
	}
	if len(arg.Files) > 0 && !callee.CanPassFiles() {
		return Data{}, r.fail(errors.New(errors.FDPassingUnsupported))
	}
	mon, err := r.transport.Monitor()
	if err != nil {
		return Data{}, r.fail(errors.GetError(err))
	}

	r.event(44, fmt.Sprintf("%s to %s", r.name, r.comps[reg.owner].Name))

	ext := uint32(h.id)
	if err := r.notifyMonitor(mon, wire.KindCall, ext); err != nil {
		return Data{}, err
	}

	data, err := wire.EncodeCall(ext, arg.Buf, len(arg.Files))
	if err != nil {
		return Data{}, r.fail(errors.Wrap(err, errors.PayloadTooLarge))
	}
	req := wire.Request{Kind: wire.KindCall, Data: data}
	if err := sendRequest(callee, &req); err != nil {
		return Data{}, r.commBreak(reg.owner)
	}
	if len(arg.Files) > 0 {
		if err := callee.SendFiles(arg.Files); err != nil {
			return Data{}, r.commBreak(reg.owner)
		}
	}

	resp, err := recvResponse(callee)
	if err != nil {
		return Data{}, r.commBreak(reg.owner)
	}
	var out Data
	if !resp.Terminate {
		payload, nfiles, err := wire.DecodeReturn(resp.Data)
		if err != nil {
			return Data{}, r.fail(errors.Wrapf(err, errors.InvalidRequest, "bad return from %s: %v", r.comps[reg.owner].Name, err))
		}
		out.Buf = payload
		if nfiles > 0 {
			if out.Files, err = callee.RecvFiles(nfiles); err != nil {
				return Data{}, r.commBreak(reg.owner)
			}
		}
	}

	// The monitor hears of the return even when the callee asks to terminate.
	if err := r.notifyMonitor(mon, wire.KindReturn, ext); err != nil {
		return Data{}, err
	}
	if resp.Terminate {
		return Data{}, r.fail(errors.Newf(errors.ServerInstructedClient, "%s asked for termination", r.comps[reg.owner].Name))
	}

	if resp.Errno != 0 {
		return out, syscall.Errno(resp.Errno)
	}
	return out, nil
}

// notifyMonitor tells the monitor about a call step and waits for its
// acknowledgement.
func (r *Runtime) notifyMonitor(mon *compost.Conn, kind wire.Kind, ext uint32) error {
	data, err := wire.EncodeCall(ext, nil, 0)
	if err != nil {
		return r.fail(errors.Wrap(err, errors.InvalidRequest))
	}
	req := wire.Request{Kind: kind, Data: data}
	if err := sendRequest(mon, &req); err != nil {
		return r.commBreak(compost.MonitorSlot)
	}
	ack, err := recvResponse(mon)
	if err != nil {
		return r.commBreak(compost.MonitorSlot)
	}
	if ack.Terminate {
		r.event(8, "monitor asked for termination")
		return r.fail(errors.New(errors.ServerInstructedClient))
	}
	return nil
}

// serve answers calls from main until the channel breaks.
func (r *Runtime) serve() error {
	if !r.started {
		return r.fail(errors.New(errors.LoopUnstarted))
	}
	conn, err := r.transport.Serving()
	if err != nil {
		return r.fail(errors.GetError(err))
	}

	buf := make([]byte, wire.RequestSize)
	for {
		if _, err := conn.Recv(buf); err != nil {
			return r.commBreak(r.main)
		}
		var req wire.Request
		if err := req.UnmarshalBinary(buf); err != nil {
			return r.rejectRequest(conn, err.Error())
		}
		if req.Kind != wire.KindCall {
			return r.rejectRequest(conn, fmt.Sprintf("unexpected %s request", req.Kind))
		}
		call, err := wire.DecodeCall(req.Data)
		if err != nil {
			return r.rejectRequest(conn, err.Error())
		}
		ext := int(call.Ext)
		if ext >= len(r.regs) || r.regs[ext].owner != r.self {
			return r.rejectRequest(conn, fmt.Sprintf("function %d is not registered with %s", ext, r.name))
		}

		arg := Data{Buf: call.Payload}
		if call.Files > 0 {
			if arg.Files, err = conn.RecvFiles(call.Files); err != nil {
				return r.commBreak(r.main)
			}
		}

		resp, files, err := r.invoke(ext, arg, conn.CanPassFiles())
		if err != nil {
			return err
		}
		if err := sendResponse(conn, resp); err != nil {
			return r.commBreak(r.main)
		}
		if len(files) > 0 {
			if err := conn.SendFiles(files); err != nil {
				return r.commBreak(r.main)
			}
		}
	}
}

// invoke runs registration ext and packs its outcome. A failing function
// is reported to the caller through Result and Errno.
func (r *Runtime) invoke(ext int, arg Data, canPass bool) (*wire.Response, []*os.File, error) {
	fn := r.regs[ext].fn
	if fn == nil {
		return nil, nil, r.fail(errors.Newf(errors.InvokeNil, "function %d", ext))
	}

	resp := &wire.Response{}
	out, err := fn(arg)
	if err != nil {
		r.logAt(zapcore.WarnLevel, 23, "call_fn failed", zap.Int("ext", ext), zap.Error(err))
		resp.Result = 1
		resp.Errno = int32(errnoOf(err))
	}

	files := out.Files
	if len(files) > 0 && !canPass {
		resp.Result = 1
		resp.Errno = int32(syscall.EOPNOTSUPP)
		files = nil
	}
	data, encErr := wire.EncodeReturn(out.Buf, len(files))
	if encErr != nil {
		r.logAt(zapcore.WarnLevel, 23, "result does not fit a frame", zap.Int("ext", ext), zap.Error(encErr))
		resp.Result = 1
		resp.Errno = int32(syscall.EMSGSIZE)
		files = nil
		data, _ = wire.EncodeReturn(nil, 0)
	}
	resp.Data = data
	return resp, files, nil
}

// rejectRequest answers an invalid request with a termination order and
// exits.
func (r *Runtime) rejectRequest(conn *compost.Conn, reason string) error {
	r.event(4, "Invalid request", zap.String("reason", reason))
	_ = sendResponse(conn, &wire.Response{Terminate: true})
	return r.fail(errors.Newf(errors.InvalidRequest, "invalid request: %s", reason))
}

// commBreak reports that the peer at idx is unreachable. It returns only
// when OnCommBreak does.
func (r *Runtime) commBreak(idx int) error {
	r.event(38, fmt.Sprintf("communication break: between %s (pid %d) and %s", r.name, os.Getpid(), r.peerName(idx)))
	r.cfg.OnCommBreak(idx)
	return errors.Newf(errors.ChannelBroke, "channel to %s broke", r.peerName(idx))
}

func (r *Runtime) peerName(idx int) string {
	if idx >= 0 && idx < len(r.comps) {
		return r.comps[idx].Name
	}
	if r.role == roleServing {
		return mainPeer
	}
	return monitorName
}

// defaultCommBreak ends a serving compartment. Main and the monitor wait
// for the monitor's cascade to reach them.
func (r *Runtime) defaultCommBreak(int) {
	switch r.role {
	case roleServing:
		if r.exitCode == errors.Success {
			r.exitCode = errors.ChannelBroke
		}
		r.exit(r.exitCode.ExitStatus())
	case roleMain:
		r.awaitKill()
	}
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if stderrors.As(err, &errno) && errno != 0 {
		return errno
	}
	return syscall.EIO
}

func sendRequest(conn *compost.Conn, req *wire.Request) error {
	b, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = conn.Send(b)
	return err
}

func recvResponse(conn *compost.Conn) (*wire.Response, error) {
	buf := make([]byte, wire.ResponseSize)
	if _, err := conn.Recv(buf); err != nil {
		return nil, err
	}
	resp := &wire.Response{}
	if err := resp.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return resp, nil
}

func sendResponse(conn *compost.Conn, resp *wire.Response) error {
	b, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = conn.Send(b)
	return err
}
