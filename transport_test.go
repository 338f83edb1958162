package desfire

import "fmt"

// scriptedTransport is a deterministic Transport double: each call to
// RawExchange or APDUExchange consumes the next entry in its script and
// records what it was sent, so tests can both drive a fixed sequence of
// card replies and assert on exactly what the core sent upstream.
type scriptedTransport struct {
	replies [][]byte // each full native reply, including leading status byte
	isoReplies []isoReply

	sent     [][]byte
	sentISO  [][]byte
	next     int
	nextISO  int
	logging  bool
}

type isoReply struct {
	data []byte
	sw   uint16
}

func (t *scriptedTransport) RawExchange(activateField bool, data []byte) ([]byte, error) {
	t.sent = append(t.sent, append([]byte(nil), data...))
	if t.next >= len(t.replies) {
		return nil, fmt.Errorf("scriptedTransport: no more scripted replies (wanted %d)", t.next+1)
	}
	resp := t.replies[t.next]
	t.next++
	return resp, nil
}

func (t *scriptedTransport) APDUExchange(activateField bool, apdu []byte) ([]byte, uint16, error) {
	t.sentISO = append(t.sentISO, append([]byte(nil), apdu...))
	if t.nextISO >= len(t.isoReplies) {
		return nil, 0, fmt.Errorf("scriptedTransport: no more scripted ISO replies (wanted %d)", t.nextISO+1)
	}
	r := t.isoReplies[t.nextISO]
	t.nextISO++
	return r.data, r.sw, nil
}

func (t *scriptedTransport) DropField() error    { return nil }
func (t *scriptedTransport) LoggingEnabled() bool { return t.logging }
func (t *scriptedTransport) Sleep(ms int)         {}

// fixedRand returns a randSource that copies a single fixed byte string
// into every request; it does not loop, so bytes past len(b) are left
// untouched (tests never ask for more than one challenge's worth at a time).
func fixedRand(b []byte) func([]byte) error {
	return func(out []byte) error {
		copy(out, b)
		return nil
	}
}
