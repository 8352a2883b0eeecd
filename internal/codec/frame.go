package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const crcSize = 2

// Terminator ends every reply frame.
var Terminator = []byte{'\r', '\n'}

// Encode appends the little-endian CRC16 of cmd to a copy of cmd.
func Encode(cmd []byte) []byte {
	out := make([]byte, len(cmd), len(cmd)+crcSize)
	copy(out, cmd)
	return binary.LittleEndian.AppendUint16(out, CRC16(cmd))
}

// EncodeString encodes an ASCII mnemonic such as "MMA". Characters outside
// the 7-bit ASCII range are rejected with ErrInvalidInput.
func EncodeString(cmd string) ([]byte, error) {
	for i := 0; i < len(cmd); i++ {
		if cmd[i] > 0x7F {
			return nil, fmt.Errorf("%w: non-ASCII byte 0x%02X at offset %d in %q", ErrInvalidInput, cmd[i], i, cmd)
		}
	}
	return Encode([]byte(cmd)), nil
}

// Frame builds the reply frame a device would send for data. Simulators and
// tests use it; drivers only decode.
func Frame(data []byte) []byte {
	out := make([]byte, len(data), len(data)+crcSize+len(Terminator))
	copy(out, data)
	out = binary.LittleEndian.AppendUint16(out, CRC16(data))
	return append(out, Terminator...)
}

// Decode validates a raw reply frame against layout and unpacks its data.
//
// An empty raw slice yields ErrNoResponse. A length other than
// layout.FrameSize() yields ErrTruncated. A checksum or terminator mismatch
// yields an *IntegrityError. No values are returned unless every check passes.
func Decode(layout Layout, raw []byte) (Values, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNoResponse
	}
	width := layout.Width()
	if len(raw) != layout.FrameSize() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for layout %v", ErrTruncated, len(raw), layout.FrameSize(), layout)
	}

	data := raw[:width]
	sum := raw[width : width+crcSize]
	term := raw[width+crcSize:]

	want := CRC16(data)
	if got := binary.LittleEndian.Uint16(sum); got != want {
		return nil, &IntegrityError{
			Reason: "checksum",
			Want:   binary.LittleEndian.AppendUint16(nil, want),
			Got:    append([]byte(nil), sum...),
		}
	}
	if !bytes.Equal(term, Terminator) {
		return nil, &IntegrityError{
			Reason: "terminator",
			Want:   Terminator,
			Got:    append([]byte(nil), term...),
		}
	}

	return unpack(layout, data), nil
}

// unpack assumes len(data) == layout.Width().
func unpack(layout Layout, data []byte) Values {
	values := make(Values, 0, len(layout))
	off := 0
	for _, f := range layout {
		w := f.Width()
		switch f.Kind {
		case KindUint8:
			values = append(values, data[off])
		case KindInt16:
			values = append(values, int16(binary.BigEndian.Uint16(data[off:off+w])))
		case KindBytes:
			values = append(values, append([]byte(nil), data[off:off+w]...))
		}
		off += w
	}
	return values
}
