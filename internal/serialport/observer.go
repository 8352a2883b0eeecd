package serialport

import "time"

// Transaction records one command/reply exchange on a Conn.
type Transaction struct {
	Device   string
	Request  []byte
	Response []byte
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Observer receives every transaction after it completes. Observers run on
// the caller's goroutine while the port's command lock is held, so they
// should not block for long.
type Observer interface {
	ObserveTransaction(tx Transaction)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(tx Transaction)

// ObserveTransaction calls f(tx).
func (f ObserverFunc) ObserveTransaction(tx Transaction) { f(tx) }
