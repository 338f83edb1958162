package desfire

// Transport is the interface the core consumes from its physical
// reader/radio collaborator (out of scope per spec.md §1). It exposes
// exactly the two exchange primitives and the field/sleep controls
// spec.md §6 names; a concrete implementation is a thin PC/SC wrapper
// (pcsc.go) or a scripted test double (used throughout the test suite).
type Transport interface {
	// RawExchange sends raw bytes (a native DESFire frame) and returns up
	// to the transport's max response size. activateField requests the RF
	// field be (re-)energized before the exchange.
	RawExchange(activateField bool, data []byte) ([]byte, error)

	// APDUExchange sends a fully-formed ISO 7816 APDU and returns the
	// response data (without the trailing status bytes) plus SW1SW2.
	APDUExchange(activateField bool, apdu []byte) (data []byte, sw uint16, err error)

	// DropField de-energizes the RF field.
	DropField() error

	// LoggingEnabled reports whether the transport wants verbose wire
	// tracing (some readers log APDUs themselves; avoid doubling up).
	LoggingEnabled() bool

	// Sleep is a monotonic, cooperatively-cancellable delay, used for the
	// ~50ms field-settling pause spec.md §5 requires between field drops
	// and re-activation.
	Sleep(ms int)
}

// maxTxFrameLen is DESFire's typical per-frame payload ceiling
// (DESFIRE_TX_FRAME_MAX_LEN in spec.md §4.2). Real cards may advertise a
// smaller value via GetVersion/ATS; callers needing a different limit
// construct an Exchanger with WithFrameMaxLen.
const maxTxFrameLen = 56

// fieldSettleMillis is the pause spec.md §5 mandates between dropping and
// re-energizing the RF field.
const fieldSettleMillis = 50
