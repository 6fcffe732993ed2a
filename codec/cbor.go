// Package codec is the CBOR wire codec shared by the bridge and the engine
// contract. Encoding uses Core Deterministic Encoding so identical requests
// produce identical bytes; ordered maps that must not be sorted write their
// own headers with AppendHead.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Major types (RFC 8949 §3.1).
const (
	MajorUint   byte = 0
	MajorNegInt byte = 1
	MajorBytes  byte = 2
	MajorText   byte = 3
	MajorArray  byte = 4
	MajorMap    byte = 5
	MajorTag    byte = 6
	MajorSimple byte = 7
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Engine payloads only use text keys. any-typed targets get
		// map[string]any rather than map[interface{}]interface{}.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 256,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalFirst decodes the first data item and returns the remaining bytes.
func UnmarshalFirst(data []byte, v any) ([]byte, error) {
	return decMode.UnmarshalFirst(data, v)
}

// Diagnose returns the CBOR diagnostic notation for data. Used in error
// details when an engine payload cannot be decoded.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// AppendHead appends a definite-length item head.
func AppendHead(dst []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(dst, m|byte(n))
	case n <= math.MaxUint8:
		return append(dst, m|24, byte(n))
	case n <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(dst, m|25), uint16(n))
	case n <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(append(dst, m|26), uint32(n))
	default:
		return binary.BigEndian.AppendUint64(append(dst, m|27), n)
	}
}

// ReadHead parses the head at the start of data. It returns the major type,
// the argument and the head length. Indefinite lengths are rejected.
func ReadHead(data []byte) (major byte, n uint64, size int, err error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("cbor: unexpected end of data")
	}
	major = data[0] >> 5
	info := data[0] & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), 1, nil
	case info == 24:
		if len(data) < 2 {
			return 0, 0, 0, fmt.Errorf("cbor: truncated head")
		}
		return major, uint64(data[1]), 2, nil
	case info == 25:
		if len(data) < 3 {
			return 0, 0, 0, fmt.Errorf("cbor: truncated head")
		}
		return major, uint64(binary.BigEndian.Uint16(data[1:])), 3, nil
	case info == 26:
		if len(data) < 5 {
			return 0, 0, 0, fmt.Errorf("cbor: truncated head")
		}
		return major, uint64(binary.BigEndian.Uint32(data[1:])), 5, nil
	case info == 27:
		if len(data) < 9 {
			return 0, 0, 0, fmt.Errorf("cbor: truncated head")
		}
		return major, binary.BigEndian.Uint64(data[1:]), 9, nil
	case info == 31:
		return 0, 0, 0, fmt.Errorf("cbor: indefinite-length items are not supported")
	default:
		return 0, 0, 0, fmt.Errorf("cbor: reserved additional info %d", info)
	}
}
