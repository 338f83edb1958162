package desfire

// SecureChannel selects which cryptogram format (§4.3) is in effect.
type SecureChannel int

const (
	ChannelNone SecureChannel = iota
	ChannelD40                // legacy DESFire, pre-EV1
	ChannelEV1
	ChannelEV2
)

func (c SecureChannel) String() string {
	switch c {
	case ChannelNone:
		return "None"
	case ChannelD40:
		return "D40"
	case ChannelEV1:
		return "EV1"
	case ChannelEV2:
		return "EV2"
	default:
		return "unknown"
	}
}

// CommandSet selects the outer frame format (§4.2).
type CommandSet int

const (
	CommandSetNative CommandSet = iota
	CommandSetNativeISO
	CommandSetISO
)

func (c CommandSet) String() string {
	switch c {
	case CommandSetNative:
		return "Native"
	case CommandSetNativeISO:
		return "NativeISO"
	case CommandSetISO:
		return "ISO"
	default:
		return "unknown"
	}
}

// CommMode selects the per-command cryptogram treatment (§4.3).
type CommMode int

const (
	CommModePlain CommMode = iota
	CommModeMAC
	CommModeFull
)

func (c CommMode) String() string {
	switch c {
	case CommModePlain:
		return "Plain"
	case CommModeMAC:
		return "MACed"
	case CommModeFull:
		return "Enciphered"
	default:
		return "unknown"
	}
}

// Session holds every piece of state that exists only between a
// successful authentication and the next invalidating event: session
// keys, IV, EV2 transaction identifier and command counter, and which
// secure channel/key is currently active. A zero-value Session is the
// Unauth state (spec.md §3 invariant: session state exists iff
// SecureChannel != ChannelNone).
type Session struct {
	channel CommandSet
	variant SecureChannel

	alg   Algorithm
	keyNo byte

	encKey []byte // full session encryption key
	macKey []byte // full session MAC key (EV1/EV2 only; D40 has none)
	iv     []byte // current IV, length == alg.BlockLen()

	ti     [4]byte // EV2 transaction identifier
	cmdCtr uint16  // EV2 command counter, strictly monotonic per session

	appSelected bool
	currentAID  uint32
}

// NewSession constructs an unauthenticated session bound to a given
// command-set framing (native/native-ISO/ISO). The secure-channel variant
// is populated only by a successful authentication.
func NewSession(cs CommandSet) *Session {
	return &Session{channel: cs}
}

// IsAuthenticated reports whether a secure channel is currently active.
func (s *Session) IsAuthenticated() bool { return s.variant != ChannelNone }

// Variant returns the active secure-channel variant.
func (s *Session) Variant() SecureChannel { return s.variant }

// CommandSet returns the active outer frame format.
func (s *Session) CommandSet() CommandSet { return s.channel }

// KeyNo returns the key slot number used to authenticate.
func (s *Session) KeyNo() byte { return s.keyNo }

// CommandCounter returns the current EV2 command counter.
func (s *Session) CommandCounter() uint16 { return s.cmdCtr }

// TransactionID returns the current EV2 transaction identifier.
func (s *Session) TransactionID() [4]byte { return s.ti }

// clear resets the session to Unauth, wiping all session key material.
// Called atomically on: failed authentication, app selection, a key
// change rewriting the authenticated key, or an explicit Clear.
func (s *Session) clear() {
	s.variant = ChannelNone
	s.alg = AlgDES
	s.keyNo = 0
	s.encKey = nil
	s.macKey = nil
	s.iv = nil
	s.ti = [4]byte{}
	s.cmdCtr = 0
}

// Clear is the explicit external invalidation hook (spec.md §3).
func (s *Session) Clear() { s.clear() }

// establish populates session state after a successful authentication.
func (s *Session) establish(variant SecureChannel, alg Algorithm, keyNo byte, encKey, macKey []byte, ti [4]byte) {
	s.variant = variant
	s.alg = alg
	s.keyNo = keyNo
	s.encKey = append([]byte(nil), encKey...)
	if macKey != nil {
		s.macKey = append([]byte(nil), macKey...)
	} else {
		s.macKey = nil
	}
	s.iv = make([]byte, alg.BlockLen())
	s.ti = ti
	s.cmdCtr = 0
}

// onSelectApplication applies the Select(AID) invalidation rule: the
// session always returns to Unauth, and appSelected/currentAID are
// updated regardless of prior state. AID 0x000000 denotes PICC level and
// clears appSelected; any non-zero AID sets it.
func (s *Session) onSelectApplication(aid uint32) {
	s.clear()
	s.currentAID = aid
	s.appSelected = aid != 0
}

// AppSelected reports whether a non-PICC-level application is selected.
func (s *Session) AppSelected() bool { return s.appSelected }

// CurrentAID returns the last selected AID (0 = PICC level).
func (s *Session) CurrentAID() uint32 { return s.currentAID }
