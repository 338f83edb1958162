package desfire

import (
	"fmt"
	"log/slog"
)

// cmdAdditionalFrame is the ADDITIONAL_FRAME continuation command byte,
// used both as a status (card side) and as a replacement command byte on
// every non-first TX chaining frame and every RX continuation request.
const cmdAdditionalFrame byte = 0xAF

// Exchanger drives one of the three frame-transport strategies (§4.2)
// over a Transport, performing TX/RX chaining. One Exchanger is bound to
// exactly one CommandSet for the lifetime of a session; building an
// Exchanger does not itself talk to the card.
type Exchanger struct {
	t           Transport
	cs          CommandSet
	frameMaxLen int
}

// NewExchanger builds an Exchanger for the given command set, using the
// typical 56-byte per-frame payload ceiling.
func NewExchanger(t Transport, cs CommandSet) *Exchanger {
	return &Exchanger{t: t, cs: cs, frameMaxLen: maxTxFrameLen}
}

// WithFrameMaxLen overrides the per-frame payload ceiling for cards that
// advertise a different value.
func (e *Exchanger) WithFrameMaxLen(n int) *Exchanger {
	e.frameMaxLen = n
	return e
}

// Exchange sends (cmd, payload) through the active command set, chaining
// the outgoing payload across multiple frames if it exceeds the frame
// ceiling, and reassembling a chained response unless rxChaining is
// false. It returns the final status byte and the reassembled data; the
// caller distinguishes OPERATION_OK / ADDITIONAL_FRAME / SIGNATURE /
// NO_CHANGES via the returned Status.
func (e *Exchanger) Exchange(activateField bool, cmd byte, payload []byte, rxChaining bool) (Status, []byte, error) {
	chunks := splitPayload(payload, e.frameMaxLen)

	var status Status
	var data []byte
	var err error

	for i, chunk := range chunks {
		frameCmd := cmd
		if i > 0 {
			frameCmd = cmdAdditionalFrame
		}
		first := activateField && i == 0
		status, data, err = e.sendFrame(first, frameCmd, chunk)
		if err != nil {
			return 0, nil, err
		}
		if i < len(chunks)-1 && status != StatusAdditionalFrm {
			// Card terminated the command before we finished sending;
			// TX chaining is truncated, per spec.md §7.
			return status, data, nil
		}
	}

	if status != StatusAdditionalFrm || !rxChaining {
		return status, data, nil
	}

	out := append([]byte(nil), data...)
	for status == StatusAdditionalFrm {
		status, data, err = e.sendFrame(false, cmdAdditionalFrame, nil)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, data...)
	}
	return status, out, nil
}

// ExchangeISO passes a fully-formed ISO 7816 APDU straight through; per
// spec.md §4.2 the ISO command set adds no framing of its own, only
// logging.
func (e *Exchanger) ExchangeISO(activateField bool, apdu []byte) (Status, []byte, error) {
	if e.cs != CommandSetISO {
		return 0, nil, newErr(KindUnsupportedChannel, "ExchangeISO requires CommandSetISO", nil)
	}
	data, sw, err := e.t.APDUExchange(activateField, apdu)
	if err != nil {
		return 0, nil, newErr(KindTransportFailure, "ISO APDU exchange failed", err)
	}
	if e.t.LoggingEnabled() {
		slog.Debug("iso exchange", "apdu", fmt.Sprintf("% X", apdu), "sw", fmt.Sprintf("%04X", sw), "data_len", len(data))
	}
	return isoStatusToStatus(sw), data, nil
}

// ExchangeSplitBySize performs a chained exchange but preserves each
// chained response frame as its own [length, data[R-1]] slot instead of
// concatenating the payload, for list-style commands like GET_DF_NAMES.
// It builds a fresh output buffer per slot rather than writing back into
// the buffer it decoded from (spec.md §9 flags the original's overlapping
// in-place reconstruction as fragile).
func (e *Exchanger) ExchangeSplitBySize(activateField bool, cmd byte, payload []byte, recordSize int) (Status, [][]byte, error) {
	if recordSize < 1 {
		return 0, nil, newErr(KindInvalidArgument, "split-by-size record size must be >= 1", nil)
	}

	chunks := splitPayload(payload, e.frameMaxLen)
	var status Status
	var data []byte
	var err error
	for i, chunk := range chunks {
		frameCmd := cmd
		if i > 0 {
			frameCmd = cmdAdditionalFrame
		}
		first := activateField && i == 0
		status, data, err = e.sendFrame(first, frameCmd, chunk)
		if err != nil {
			return 0, nil, err
		}
		if i < len(chunks)-1 && status != StatusAdditionalFrm {
			return status, nil, nil
		}
	}

	slots := make([][]byte, 0)
	slot := makeSlot(data, recordSize)
	slots = append(slots, slot)
	for status == StatusAdditionalFrm {
		status, data, err = e.sendFrame(false, cmdAdditionalFrame, nil)
		if err != nil {
			return 0, nil, err
		}
		slots = append(slots, makeSlot(data, recordSize))
	}
	return status, slots, nil
}

func makeSlot(data []byte, recordSize int) []byte {
	slot := make([]byte, recordSize)
	n := len(data)
	if n > recordSize-1 {
		n = recordSize - 1
	}
	slot[0] = byte(n)
	copy(slot[1:], data[:n])
	return slot
}

// sendFrame transmits a single frame in the Exchanger's command set and
// normalizes the result to (status, data).
func (e *Exchanger) sendFrame(activateField bool, cmd byte, payload []byte) (Status, []byte, error) {
	switch e.cs {
	case CommandSetNative:
		return e.sendNativeFrame(activateField, cmd, payload)
	case CommandSetNativeISO:
		return e.sendNativeISOFrame(activateField, cmd, payload)
	default:
		return 0, nil, newErr(KindUnsupportedChannel, fmt.Sprintf("command set %s does not send cmd/payload frames; use ExchangeISO", e.cs), nil)
	}
}

func (e *Exchanger) sendNativeFrame(activateField bool, cmd byte, payload []byte) (Status, []byte, error) {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, cmd)
	frame = append(frame, payload...)

	resp, err := e.t.RawExchange(activateField, frame)
	if err != nil {
		return 0, nil, newErr(KindTransportFailure, "native frame exchange failed", err)
	}
	if len(resp) < 1 {
		return 0, nil, newErr(KindUnexpectedRespLen, "native response has no status byte", nil)
	}
	status := Status(resp[0])
	data := resp[1:]
	if e.t.LoggingEnabled() {
		slog.Debug("native exchange", "cmd", fmt.Sprintf("0x%02X", cmd), "status", status.String(), "data_len", len(data))
	}
	if !status.IsSuccess() {
		return status, data, newStatusErr(cmd, status)
	}
	return status, data, nil
}

func (e *Exchanger) sendNativeISOFrame(activateField bool, cmd byte, payload []byte) (Status, []byte, error) {
	if len(payload) > 255 {
		return 0, nil, newErr(KindInvalidArgument, "native-ISO frame payload exceeds 255 bytes", nil)
	}
	apdu := make([]byte, 0, 5+len(payload)+1)
	apdu = append(apdu, 0x90, cmd, 0x00, 0x00, byte(len(payload)))
	apdu = append(apdu, payload...)
	apdu = append(apdu, 0x00)

	data, sw, err := e.t.APDUExchange(activateField, apdu)
	if err != nil {
		return 0, nil, newErr(KindTransportFailure, "native-ISO APDU exchange failed", err)
	}
	if e.t.LoggingEnabled() {
		slog.Debug("native-iso exchange", "cmd", fmt.Sprintf("0x%02X", cmd), "sw", fmt.Sprintf("%04X", sw), "data_len", len(data))
	}
	if (sw & 0xFF00) != 0x9100 {
		return 0, data, newErr(KindTransportFailure, fmt.Sprintf("unexpected SW1 in native-ISO wrapping: %04X", sw), nil)
	}
	status := Status(sw & 0x00FF)
	if !status.IsSuccess() {
		return status, data, newStatusErr(cmd, status)
	}
	return status, data, nil
}

// isoStatusToStatus maps a pure-ISO SW1SW2 carrying the DESFire status in
// its low byte (0x91xx) onto our Status type and 0x9000 onto StatusOK;
// other SW values are folded to StatusIllegalCommand so callers still get
// a typed error.
func isoStatusToStatus(sw uint16) Status {
	if (sw & 0xFF00) == 0x9100 {
		return Status(sw & 0xFF)
	}
	if sw == 0x9000 {
		return StatusOK
	}
	return StatusIllegalCommand
}

// splitPayload divides payload into chunks of at most maxLen bytes. A
// zero-length payload yields a single empty chunk so the TX loop still
// sends exactly one frame.
func splitPayload(payload []byte, maxLen int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += maxLen {
		end := off + maxLen
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}
