package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity reports a reply whose checksum or terminator is wrong. None
	// of the reply's values can be trusted.
	ErrIntegrity = errors.New("reply failed integrity check")

	// ErrNoResponse reports that the transport returned no bytes at all,
	// normally because the read timed out.
	ErrNoResponse = errors.New("expected response not received")

	// ErrTruncated reports a reply shorter or longer than the layout implies.
	ErrTruncated = errors.New("reply has wrong length")

	// ErrInvalidInput reports a command or parameter that cannot be encoded.
	// It is returned before any bytes reach the transport.
	ErrInvalidInput = errors.New("invalid command input")
)

// IntegrityError describes why a reply was rejected. It matches ErrIntegrity
// with errors.Is.
type IntegrityError struct {
	// Reason is "checksum" or "terminator".
	Reason string
	Want   []byte
	Got    []byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: %s mismatch: got % x, want % x", ErrIntegrity, e.Reason, e.Got, e.Want)
}

// Is reports whether target is ErrIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
