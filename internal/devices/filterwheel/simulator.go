package filterwheel

import (
	"strconv"
	"strings"
	"sync"
)

// Simulator answers FW102C commands like a connected wheel.
type Simulator struct {
	mu sync.Mutex

	Identity  string
	Positions int
	Pos       int
	SpeedMode int

	// Moves counts accepted position commands.
	Moves int
}

// NewSimulator returns a six-slot wheel at position 1.
func NewSimulator() *Simulator {
	return &Simulator{
		Identity:  "THORLABS FW102C/FW212C Filter Wheel version 1.07",
		Positions: 6,
		Pos:       1,
	}
}

// Respond implements serialport.Responder.
func (s *Simulator) Respond(req []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := string(req)
	cmd := strings.TrimRight(line, "\r")
	return []byte(line + s.handle(cmd) + ">")
}

func (s *Simulator) handle(cmd string) string {
	key, arg, set := strings.Cut(cmd, "=")
	switch {
	case cmd == "*idn?":
		return s.Identity + "\r"
	case cmd == "pos?":
		return strconv.Itoa(s.Pos) + "\r"
	case cmd == "speed?":
		return strconv.Itoa(s.SpeedMode) + "\r"
	case cmd == "pcount?":
		return strconv.Itoa(s.Positions) + "\r"
	case set && key == "pos":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > s.Positions {
			return "Command error CMD_ARG_INVALID\r"
		}
		s.Pos = n
		s.Moves++
		return ""
	case set && key == "speed":
		switch arg {
		case "0", "1":
			s.SpeedMode = int(arg[0] - '0')
			return ""
		}
		return "Command error CMD_ARG_INVALID\r"
	}
	return "Command error CMD_NOT_DEFINED\r"
}
