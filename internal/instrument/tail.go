package instrument

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/banshee-data/lightsheet/internal/serialport"
)

// Tail fans serial transactions out to live subscribers. It implements
// serialport.Observer; attach it through Options.Observers.
type Tail struct {
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closing      bool
}

// NewTail returns a Tail with no subscribers.
func NewTail() *Tail {
	return &Tail{subscribers: make(map[string]chan string)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving one line per transaction. The ID
// identifies the channel when unsubscribing.
func (t *Tail) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	if t.closing {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *Tail) Unsubscribe(id string) {
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// ObserveTransaction sends a line describing tx to every subscriber. Slow
// subscribers miss lines rather than stall the device.
func (t *Tail) ObserveTransaction(tx serialport.Transaction) {
	line := FormatTransaction(tx)
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (t *Tail) Close() {
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	t.closing = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}

// FormatTransaction renders tx on one line with control bytes quoted, for
// example: etl 1.2ms "Start" -> "Ready\r\n".
func FormatTransaction(tx serialport.Transaction) string {
	line := fmt.Sprintf("%s %s %s -> %s", tx.Device, tx.Duration, strconv.Quote(string(tx.Request)), strconv.Quote(string(tx.Response)))
	if tx.Err != nil {
		line += " error: " + tx.Err.Error()
	}
	return line
}

var _ serialport.Observer = (*Tail)(nil)
