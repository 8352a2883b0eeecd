package codec

import "fmt"

// Kind identifies the type of a reply field.
type Kind int

const (
	// KindPad is a skipped byte. It yields no value.
	KindPad Kind = iota
	// KindUint8 is an unsigned byte.
	KindUint8
	// KindInt16 is a big-endian signed 16-bit integer.
	KindInt16
	// KindBytes is a fixed-length byte string.
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindPad:
		return "pad"
	case KindUint8:
		return "uint8"
	case KindInt16:
		return "int16"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Field is one entry of a Layout. Len is the byte count for KindPad and
// KindBytes and is ignored for the fixed-width kinds.
type Field struct {
	Kind Kind
	Len  int
}

// Pad returns a field that skips n bytes.
func Pad(n int) Field { return Field{Kind: KindPad, Len: n} }

// Uint8 returns an unsigned byte field.
func Uint8() Field { return Field{Kind: KindUint8} }

// Int16 returns a big-endian signed 16-bit field.
func Int16() Field { return Field{Kind: KindInt16} }

// Bytes returns a fixed-length byte string field of n bytes.
func Bytes(n int) Field { return Field{Kind: KindBytes, Len: n} }

// Width returns the number of bytes the field occupies.
func (f Field) Width() int {
	switch f.Kind {
	case KindUint8:
		return 1
	case KindInt16:
		return 2
	case KindPad, KindBytes:
		if f.Len < 0 {
			return 0
		}
		return f.Len
	default:
		return 0
	}
}

// Layout describes the data portion of a reply as an ordered list of fields.
type Layout []Field

// NewLayout is a convenience for Layout{fields...}.
func NewLayout(fields ...Field) Layout { return Layout(fields) }

// Width returns the total data width in bytes.
func (l Layout) Width() int {
	n := 0
	for _, f := range l {
		n += f.Width()
	}
	return n
}

// FrameSize returns the size of a complete reply frame for this layout:
// data, two CRC bytes and the two-byte terminator.
func (l Layout) FrameSize() int {
	return l.Width() + crcSize + len(Terminator)
}

// Validate rejects fields with unknown kinds or negative lengths.
func (l Layout) Validate() error {
	for i, f := range l {
		switch f.Kind {
		case KindUint8, KindInt16:
		case KindPad, KindBytes:
			if f.Len < 0 {
				return fmt.Errorf("%w: field %d (%s) has negative length %d", ErrInvalidInput, i, f.Kind, f.Len)
			}
		default:
			return fmt.Errorf("%w: field %d has unknown kind %v", ErrInvalidInput, i, f.Kind)
		}
	}
	return nil
}

func (l Layout) String() string {
	s := ""
	for i, f := range l {
		if i > 0 {
			s += " "
		}
		switch f.Kind {
		case KindPad, KindBytes:
			s += fmt.Sprintf("%s[%d]", f.Kind, f.Len)
		default:
			s += f.Kind.String()
		}
	}
	return s
}
