// Package wire defines the fixed-size frames exchanged between the monitor,
// the main compartment and the serving compartments.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic   uint16 = 0xC0A7
	Version uint8  = 1

	// DataSize is the capacity of the data area of every frame.
	DataSize = 1024
	// ArgSize is the largest payload a call or return may carry.
	ArgSize = 512
	// MaxFiles is the largest number of descriptors sent alongside a frame.
	MaxFiles = 4

	RequestSize  = 4 + DataSize
	ResponseSize = 12 + DataSize

	callHeader   = 12
	returnHeader = 8
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds frame capacity")
	ErrTooManyFiles    = errors.New("too many descriptors for one frame")
	ErrBadMagic        = errors.New("bad frame magic")
	ErrBadVersion      = errors.New("unsupported frame version")
	ErrBadKind         = errors.New("unknown request kind")
	ErrShortFrame      = errors.New("short frame")
)

// Kind is the request kind.
type Kind uint8

const (
	KindNone Kind = iota
	KindCall
	KindReturn
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Request is sent by the main compartment to the monitor, and by the main
// compartment to a serving compartment.
type Request struct {
	Kind Kind
	Data [DataSize]byte
}

// Response answers a Request. Terminate instructs the receiver to exit.
type Response struct {
	Terminate bool
	Result    int32
	Errno     int32
	Data      [DataSize]byte
}

// MarshalBinary encodes the request into RequestSize bytes.
func (r *Request) MarshalBinary() ([]byte, error) {
	if r.Kind > KindReturn {
		return nil, fmt.Errorf("%w: %d", ErrBadKind, r.Kind)
	}
	b := make([]byte, RequestSize)
	binary.LittleEndian.PutUint16(b[0:2], Magic)
	b[2] = Version
	b[3] = byte(r.Kind)
	copy(b[4:], r.Data[:])
	return b, nil
}

// UnmarshalBinary decodes and validates a request.
func (r *Request) UnmarshalBinary(b []byte) error {
	if len(b) < RequestSize {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	if err := checkHeader(b); err != nil {
		return err
	}
	kind := Kind(b[3])
	if kind > KindReturn {
		return fmt.Errorf("%w: %d", ErrBadKind, kind)
	}
	r.Kind = kind
	copy(r.Data[:], b[4:RequestSize])
	return nil
}

// MarshalBinary encodes the response into ResponseSize bytes.
func (r *Response) MarshalBinary() ([]byte, error) {
	b := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint16(b[0:2], Magic)
	b[2] = Version
	if r.Terminate {
		b[3] = 1
	}
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.Result))
	binary.LittleEndian.PutUint32(b[8:12], uint32(r.Errno))
	copy(b[12:], r.Data[:])
	return b, nil
}

// UnmarshalBinary decodes and validates a response.
func (r *Response) UnmarshalBinary(b []byte) error {
	if len(b) < ResponseSize {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	if err := checkHeader(b); err != nil {
		return err
	}
	r.Terminate = b[3]&1 != 0
	r.Result = int32(binary.LittleEndian.Uint32(b[4:8]))
	r.Errno = int32(binary.LittleEndian.Uint32(b[8:12]))
	copy(r.Data[:], b[12:ResponseSize])
	return nil
}

func checkHeader(b []byte) error {
	if m := binary.LittleEndian.Uint16(b[0:2]); m != Magic {
		return fmt.Errorf("%w: %#04x", ErrBadMagic, m)
	}
	if b[2] != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, b[2])
	}
	return nil
}

// Call is the payload of a CALL request.
type Call struct {
	Ext     uint32
	Payload []byte
	Files   int
}

// EncodeCall packs a call into a request data area.
func EncodeCall(ext uint32, payload []byte, files int) ([DataSize]byte, error) {
	var data [DataSize]byte
	if len(payload) > ArgSize {
		return data, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), ArgSize)
	}
	if files < 0 || files > MaxFiles {
		return data, fmt.Errorf("%w: %d", ErrTooManyFiles, files)
	}
	binary.LittleEndian.PutUint32(data[0:4], ext)
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(data[8:12], uint32(files))
	copy(data[callHeader:], payload)
	return data, nil
}

// DecodeCall unpacks a call from a request data area.
func DecodeCall(data [DataSize]byte) (Call, error) {
	n := binary.LittleEndian.Uint32(data[4:8])
	if n > ArgSize {
		return Call{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, ArgSize)
	}
	files := binary.LittleEndian.Uint32(data[8:12])
	if files > MaxFiles {
		return Call{}, fmt.Errorf("%w: %d", ErrTooManyFiles, files)
	}
	payload := make([]byte, n)
	copy(payload, data[callHeader:callHeader+int(n)])
	return Call{
		Ext:     binary.LittleEndian.Uint32(data[0:4]),
		Payload: payload,
		Files:   int(files),
	}, nil
}

// EncodeReturn packs a function result into a response data area.
func EncodeReturn(payload []byte, files int) ([DataSize]byte, error) {
	var data [DataSize]byte
	if len(payload) > ArgSize {
		return data, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), ArgSize)
	}
	if files < 0 || files > MaxFiles {
		return data, fmt.Errorf("%w: %d", ErrTooManyFiles, files)
	}
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(data[4:8], uint32(files))
	copy(data[returnHeader:], payload)
	return data, nil
}

// DecodeReturn unpacks a function result from a response data area.
func DecodeReturn(data [DataSize]byte) ([]byte, int, error) {
	n := binary.LittleEndian.Uint32(data[0:4])
	if n > ArgSize {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, ArgSize)
	}
	files := binary.LittleEndian.Uint32(data[4:8])
	if files > MaxFiles {
		return nil, 0, fmt.Errorf("%w: %d", ErrTooManyFiles, files)
	}
	payload := make([]byte, n)
	copy(payload, data[returnHeader:returnHeader+int(n)])
	return payload, int(files), nil
}
