package codec

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Mnemonic(t *testing.T) {
	frame, err := EncodeString("MMA")
	require.NoError(t, err)

	want := []byte{'M', 'M', 'A', 0x65, 0x77}
	assert.Equal(t, want, frame)
	assert.Len(t, frame, 5)
}

func TestEncode_RawBytes(t *testing.T) {
	cmd := []byte{'A', 'w', 0x10, 0x00}
	frame := Encode(cmd)

	require.Len(t, frame, len(cmd)+2)
	assert.Equal(t, cmd, frame[:len(cmd)])
	assert.Equal(t, CRC16(cmd), binary.LittleEndian.Uint16(frame[len(cmd):]))
}

func TestEncode_DoesNotAliasInput(t *testing.T) {
	cmd := make([]byte, 3, 16)
	copy(cmd, "TCA")
	frame := Encode(cmd)
	frame[0] = 'X'
	assert.Equal(t, byte('T'), cmd[0])
}

func TestEncodeString_RejectsNonASCII(t *testing.T) {
	_, err := EncodeString("Mé")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestDecode_PadAndUint8(t *testing.T) {
	layout := NewLayout(Pad(3), Uint8())
	raw := Frame([]byte{'M', 'M', 'A', 0x05})

	values, err := Decode(layout, raw)
	require.NoError(t, err)
	require.Len(t, values, 1)

	mode, err := values.Uint8(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), mode)
}

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		data   []byte
		want   Values
	}{
		{
			name:   "serial number",
			layout: NewLayout(Pad(1), Bytes(8)),
			data:   []byte("XAB123456"),
			want:   Values{[]byte("AB123456")},
		},
		{
			name:   "temperature",
			layout: NewLayout(Pad(3), Int16()),
			data:   []byte{'T', 'C', 'A', 0x01, 0x90},
			want:   Values{int16(400)},
		},
		{
			name:   "negative short",
			layout: NewLayout(Pad(1), Int16()),
			data:   []byte{'A', 0xF0, 0x00},
			want:   Values{int16(-4096)},
		},
		{
			name:   "mode with limits",
			layout: NewLayout(Pad(3), Uint8(), Int16(), Int16()),
			data:   []byte{'M', 'C', 'A', 0x01, 0xFF, 0x38, 0x00, 0xC8},
			want:   Values{uint8(1), int16(-200), int16(200)},
		},
		{
			name:   "pads only",
			layout: NewLayout(Pad(3)),
			data:   []byte("MDA"),
			want:   Values{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.data) != tt.layout.Width() {
				t.Fatalf("test data has %d bytes, layout width is %d", len(tt.data), tt.layout.Width())
			}
			got, err := Decode(tt.layout, Frame(tt.data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_DetectsSingleBitFlips(t *testing.T) {
	layout := NewLayout(Pad(3), Uint8(), Int16(), Int16())
	data := []byte{'M', 'C', 'A', 0x01, 0x12, 0x34, 0xAB, 0xCD}
	valid := Frame(data)

	for bit := 0; bit < len(data)*8; bit++ {
		corrupt := append([]byte(nil), valid...)
		corrupt[bit/8] ^= 1 << (bit % 8)

		_, err := Decode(layout, corrupt)
		if !errors.Is(err, ErrIntegrity) {
			t.Errorf("bit %d flipped: Decode() error = %v, want ErrIntegrity", bit, err)
		}
		var ie *IntegrityError
		if errors.As(err, &ie) && ie.Reason != "checksum" {
			t.Errorf("bit %d flipped: reason = %q, want checksum", bit, ie.Reason)
		}
	}
}

func TestDecode_RejectsBadTerminator(t *testing.T) {
	layout := NewLayout(Pad(3), Uint8())
	valid := Frame([]byte{'M', 'M', 'A', 0x01})

	terminators := [][]byte{
		{'\n', '\r'},
		{'\r', '\r'},
		{0x00, 0x00},
		{'\n', '\n'},
		{'>', ' '},
	}
	for _, term := range terminators {
		raw := append([]byte(nil), valid[:len(valid)-2]...)
		raw = append(raw, term...)

		_, err := Decode(layout, raw)
		require.Error(t, err, "terminator % x", term)
		assert.ErrorIs(t, err, ErrIntegrity)

		var ie *IntegrityError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "terminator", ie.Reason)
		assert.Equal(t, term, ie.Got)
	}
}

func TestDecode_EmptyIsNoResponse(t *testing.T) {
	_, err := Decode(NewLayout(Pad(3), Uint8()), nil)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.NotErrorIs(t, err, ErrIntegrity)
}

func TestDecode_WrongLength(t *testing.T) {
	layout := NewLayout(Pad(3), Uint8())
	valid := Frame([]byte{'M', 'M', 'A', 0x01})

	_, err := Decode(layout, valid[:len(valid)-1])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(layout, append(valid, 0x00))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecode_InvalidLayout(t *testing.T) {
	_, err := Decode(Layout{{Kind: Kind(42)}}, []byte{0x00})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Decode(Layout{Pad(-1)}, []byte{0x00})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLayout_Width(t *testing.T) {
	tests := []struct {
		layout Layout
		width  int
		frame  int
	}{
		{NewLayout(), 0, 4},
		{NewLayout(Pad(3)), 3, 7},
		{NewLayout(Pad(3), Uint8()), 4, 8},
		{NewLayout(Pad(3), Int16()), 5, 9},
		{NewLayout(Pad(1), Bytes(8)), 9, 13},
		{NewLayout(Pad(3), Uint8(), Int16(), Int16()), 8, 12},
	}
	for _, tt := range tests {
		if got := tt.layout.Width(); got != tt.width {
			t.Errorf("%v.Width() = %d, want %d", tt.layout, got, tt.width)
		}
		if got := tt.layout.FrameSize(); got != tt.frame {
			t.Errorf("%v.FrameSize() = %d, want %d", tt.layout, got, tt.frame)
		}
	}
}

func TestValues_TypeMismatch(t *testing.T) {
	values := Values{uint8(1), int16(2), []byte("ab")}

	_, err := values.Int16(0)
	assert.Error(t, err)
	_, err = values.Uint8(2)
	assert.Error(t, err)
	_, err = values.Bytes(3)
	assert.Error(t, err)

	b, err := values.Bytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), b)
}
