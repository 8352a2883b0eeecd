package laser

import (
	"strconv"
	"strings"
	"sync"
)

// LineState is one simulated laser line.
type LineState struct {
	On         bool
	PowerW     float64
	CurrentMA  float64
	Modulation bool
	Analog     bool
	Digital    bool
}

// Simulator answers Skyra commands for all four lines.
type Simulator struct {
	mu     sync.Mutex
	Serial string
	lines  map[string]*LineState
}

// NewSimulator returns a head with every line off in constant power mode.
func NewSimulator(serial string) *Simulator {
	s := &Simulator{Serial: serial, lines: make(map[string]*LineState)}
	for _, p := range Prefixes {
		s.lines[p] = &LineState{}
	}
	return s
}

// Line returns a copy of the state of the line with the given prefix.
func (s *Simulator) Line(prefix string) LineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lines[prefix]; ok {
		return *l
	}
	return LineState{}
}

// Respond implements serialport.Responder.
func (s *Simulator) Respond(req []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.handle(strings.TrimRight(string(req), "\r")) + "\r\n")
}

func boolReply(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Simulator) handle(cmd string) string {
	if cmd == "sn?" {
		return s.Serial
	}
	if cmd == "" {
		return "Syntax error: illegal command"
	}
	line, ok := s.lines[cmd[:1]]
	if !ok {
		return "Syntax error: illegal command"
	}
	verb, arg, _ := strings.Cut(cmd[1:], " ")

	switch verb {
	case "l1":
		line.On = true
	case "l0":
		line.On = false
	case "l?":
		return boolReply(line.On)
	case "p?":
		return strconv.FormatFloat(line.PowerW, 'f', 4, 64)
	case "p":
		w, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "Syntax error: illegal argument"
		}
		line.PowerW = w
	case "pa?":
		if !line.On {
			return "0.0000"
		}
		return strconv.FormatFloat(line.PowerW, 'f', 4, 64)
	case "slc":
		ma, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "Syntax error: illegal argument"
		}
		line.CurrentMA = ma
	case "cp":
		line.Modulation = false
	case "em":
		line.Modulation = true
	case "sames":
		line.Analog = arg == "1"
	case "sdmes":
		line.Digital = arg == "1"
	case "gmes?":
		return boolReply(line.Modulation)
	case "games?":
		return boolReply(line.Analog)
	case "gdmes?":
		return boolReply(line.Digital)
	default:
		return "Syntax error: illegal command"
	}
	return "OK"
}
