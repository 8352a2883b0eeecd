package stage

import (
	"errors"
	"fmt"
)

// ErrUnknownAxis is returned for an axis the controller was not built with.
var ErrUnknownAxis = errors.New("unknown axis")

var asiErrorNames = map[int]string{
	1:  "unknown command",
	2:  "unrecognised axis parameter",
	3:  "missing parameters",
	4:  "parameter out of range",
	5:  "operation failed",
	6:  "undefined error",
	7:  "invalid card address",
	8:  "reserved",
	9:  "reserved",
	10: "reserved",
	21: "serial command halted",
}

// Codes reported by the controller.
const (
	CodeUnknownCommand      = 1
	CodeParameterOutOfRange = 4
	CodeCommandHalted       = 21
)

// ASIError is a ":N-<code>" reply.
type ASIError struct {
	Command string
	Code    int
}

// Name describes the error code.
func (e *ASIError) Name() string {
	if name, ok := asiErrorNames[e.Code]; ok {
		return name
	}
	if e.Code >= 11 && e.Code <= 20 {
		return "filter wheel reserved"
	}
	return "unrecognised error"
}

func (e *ASIError) Error() string {
	return fmt.Sprintf("controller replied :N-%d (%s) to %q", e.Code, e.Name(), e.Command)
}
