package main

import (
	"encoding/binary"
	"os"
	"syscall"

	"libcompart/pkg/compart"
)

func encodeInt(v int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	return b
}

func decodeInt(b []byte) int {
	if len(b) < 4 {
		return 0
	}
	return int(int32(binary.LittleEndian.Uint32(b)))
}

func argument(d compart.Data) (int, error) {
	if len(d.Buf) != 4 {
		return 0, syscall.EINVAL
	}
	return decodeInt(d.Buf), nil
}

// extAddTen runs in the "other" compartment.
func extAddTen(d compart.Data) (compart.Data, error) {
	v, err := argument(d)
	if err != nil {
		return compart.Data{}, err
	}
	return compart.Data{Buf: encodeInt(v + 10)}, nil
}

// extAddUID runs in the "third" compartment and adds the uid it runs as.
func extAddUID(d compart.Data) (compart.Data, error) {
	v, err := argument(d)
	if err != nil {
		return compart.Data{}, err
	}
	return compart.Data{Buf: encodeInt(v + os.Getuid())}, nil
}
