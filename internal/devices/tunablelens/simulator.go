package tunablelens

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/banshee-data/lightsheet/internal/codec"
)

// Simulator answers EL-E-4i commands like a connected controller. It is used
// by dev mode and tests through serialport.NewSimulatedPort.
type Simulator struct {
	mu sync.Mutex

	Serial      string
	ModeCode    uint8
	Code        int16
	Temperature int16 // raw, 1/16 degC

	// CorruptNext flips one data bit in the next framed reply.
	CorruptNext bool
	// Commands records every accepted command without its CRC.
	Commands [][]byte
}

// NewSimulator returns a controller in internal mode at 25 degC.
func NewSimulator(serial string) *Simulator {
	return &Simulator{
		Serial:      serial,
		ModeCode:    modeCodeInternal,
		Temperature: 400,
	}
}

// Respond implements serialport.Responder.
func (s *Simulator) Respond(req []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(req, handshakeCommand) {
		return append([]byte(nil), handshakeReply...)
	}
	if len(req) < 3 {
		return nil
	}
	cmd := req[:len(req)-2]
	if binary.LittleEndian.Uint16(req[len(req)-2:]) != codec.CRC16(cmd) {
		return nil
	}
	s.Commands = append(s.Commands, append([]byte(nil), cmd...))

	switch {
	case bytes.Equal(cmd, []byte("X")):
		sn := make([]byte, 8)
		copy(sn, s.Serial)
		return s.frame(append([]byte("X"), sn...))
	case bytes.Equal(cmd, []byte("MMA")):
		return s.frame([]byte{'M', 'M', 'A', s.ModeCode})
	case bytes.Equal(cmd, []byte("MwCA")):
		s.ModeCode = modeCodeInternal
		data := []byte{'M', 'C', 'A', s.ModeCode}
		hi, lo := int16(CodeRange), int16(-CodeRange)
		data = binary.BigEndian.AppendUint16(data, uint16(hi))
		data = binary.BigEndian.AppendUint16(data, uint16(lo))
		return s.frame(data)
	case bytes.Equal(cmd, []byte("MwDA")):
		s.ModeCode = modeCodeExternal
		return s.frame([]byte("MDA"))
	case len(cmd) == 4 && bytes.HasPrefix(cmd, []byte("Aw")):
		s.Code = int16(binary.BigEndian.Uint16(cmd[2:]))
		return nil
	case bytes.Equal(cmd, readCurrentCmd):
		return s.frame(binary.BigEndian.AppendUint16([]byte("A"), uint16(s.Code)))
	case bytes.Equal(cmd, []byte("TCA")):
		return s.frame(binary.BigEndian.AppendUint16([]byte("TCA"), uint16(s.Temperature)))
	}
	return nil
}

func (s *Simulator) frame(data []byte) []byte {
	out := codec.Frame(data)
	if s.CorruptNext {
		s.CorruptNext = false
		out[0] ^= 0x01
	}
	return out
}

// LastCode returns the most recently written current code.
func (s *Simulator) LastCode() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Code
}
