package stage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// AxisState is one simulated motor axis. Position is in ASI units, the rest
// in the units the controller reports.
type AxisState struct {
	Position     float64
	Speed        float64
	Backlash     float64
	Acceleration float64
	Lower        float64
	Upper        float64
	Ticks        float64
}

// Simulator answers MS2000 commands like a connected controller.
type Simulator struct {
	mu sync.Mutex

	axes  map[string]*AxisState
	order []string

	// BusyPolls is how many status polls report busy after each move.
	BusyPolls int
	busyLeft  int

	// ScanCommands records SCAN, SCANR and SCANV lines in order.
	ScanCommands []string
	Scanning     bool
}

// NewSimulator returns a controller with the given axes, all at zero.
func NewSimulator(axes ...string) *Simulator {
	if len(axes) == 0 {
		axes = DefaultAxes
	}
	s := &Simulator{axes: make(map[string]*AxisState)}
	for _, a := range axes {
		a = strings.ToUpper(a)
		s.order = append(s.order, a)
		s.axes[a] = &AxisState{
			Speed:        1,
			Backlash:     0.04,
			Acceleration: 70,
			Lower:        -110,
			Upper:        110,
			Ticks:        45397.6,
		}
	}
	return s
}

// Axis returns a copy of the named axis state.
func (s *Simulator) Axis(name string) AxisState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.axes[strings.ToUpper(name)]; ok {
		return *a
	}
	return AxisState{}
}

// SetAxis replaces the named axis state.
func (s *Simulator) SetAxis(name string, st AxisState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.ToUpper(name)
	if _, ok := s.axes[name]; !ok {
		s.order = append(s.order, name)
	}
	s.axes[name] = &st
}

// Respond implements serialport.Responder.
func (s *Simulator) Respond(req []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.handle(strings.TrimRight(string(req), "\r")) + "\r\n")
}

func (s *Simulator) handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ":N-1"
	}
	verb, args := strings.ToUpper(fields[0]), fields[1:]

	switch verb {
	case "/":
		if s.busyLeft > 0 {
			s.busyLeft--
			return "B"
		}
		return "N"
	case "MOVE", "MOVREL":
		for _, arg := range args {
			a, v, err := s.assignment(arg)
			if err != "" {
				return err
			}
			if verb == "MOVE" {
				a.Position = v
			} else {
				a.Position += v
			}
		}
		s.busyLeft = s.BusyPolls
		return ":A"
	case "WHERE":
		var out []string
		for _, arg := range args {
			a, ok := s.axes[strings.ToUpper(arg)]
			if !ok {
				return ":N-2"
			}
			out = append(out, strconv.FormatFloat(a.Position, 'f', -1, 64))
		}
		return ":A " + strings.Join(out, " ")
	case "SPEED", "B", "ACCEL", "SL", "SU", "CNTS":
		return s.property(verb, args)
	case "RS":
		if len(args) != 1 {
			return ":N-3"
		}
		if _, ok := s.axes[strings.ToUpper(strings.TrimSuffix(args[0], "?"))]; !ok {
			return ":N-2"
		}
		if s.busyLeft > 0 {
			return ":A B"
		}
		return ":A N"
	case "HALT":
		s.busyLeft = 0
		return ":N-21"
	case "ZERO":
		for _, arg := range args {
			a, ok := s.axes[strings.ToUpper(arg)]
			if !ok {
				return ":N-2"
			}
			a.Position = 0
		}
		return ":A"
	case "SCAN":
		if len(args) == 1 && strings.EqualFold(args[0], "S") {
			s.Scanning = true
			return ":A"
		}
		s.ScanCommands = append(s.ScanCommands, line)
		return ":A"
	case "SCANR", "SCANV":
		s.ScanCommands = append(s.ScanCommands, line)
		return ":A"
	}
	return ":N-1"
}

func (s *Simulator) assignment(arg string) (*AxisState, float64, string) {
	name, val, ok := strings.Cut(arg, "=")
	if !ok {
		return nil, 0, ":N-3"
	}
	a, ok := s.axes[strings.ToUpper(name)]
	if !ok {
		return nil, 0, ":N-2"
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil, 0, ":N-4"
	}
	return a, v, ""
}

func (s *Simulator) property(verb string, args []string) string {
	var out []string
	for _, arg := range args {
		if name, ok := strings.CutSuffix(arg, "?"); ok {
			a, found := s.axes[strings.ToUpper(name)]
			if !found {
				return ":N-2"
			}
			out = append(out, fmt.Sprintf("%s=%s", strings.ToUpper(name), strconv.FormatFloat(*field(a, verb), 'f', -1, 64)))
			continue
		}
		a, v, err := s.assignment(arg)
		if err != "" {
			return err
		}
		*field(a, verb) = v
	}
	if len(out) == 0 {
		return ":A"
	}
	return ":A " + strings.Join(out, " ")
}

func field(a *AxisState, verb string) *float64 {
	switch verb {
	case "SPEED":
		return &a.Speed
	case "B":
		return &a.Backlash
	case "ACCEL":
		return &a.Acceleration
	case "SL":
		return &a.Lower
	case "SU":
		return &a.Upper
	}
	return &a.Ticks
}
