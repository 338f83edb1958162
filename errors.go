package desfire

import "fmt"

// Status is a DESFire/ISO 7816 status byte or status word as returned by the card.
type Status uint8

// DESFire native status codes (§6 of the protocol notes).
const (
	StatusOK             Status = 0x00
	StatusNoChanges      Status = 0x0C
	StatusOutOfEEPROM    Status = 0x0E
	StatusIllegalCommand Status = 0x1C
	StatusIntegrityError Status = 0x1E
	StatusNoSuchKey      Status = 0x40
	StatusLengthError    Status = 0x7E
	StatusPermissionDeny Status = 0x9D
	StatusParameterError Status = 0x9E
	StatusAppNotFound    Status = 0xA0
	StatusAppIntegrity   Status = 0xA1
	StatusAuthError      Status = 0xAE
	StatusAdditionalFrm  Status = 0xAF
	StatusBoundaryError  Status = 0xBE
	StatusPICCIntegrity  Status = 0xC1
	StatusCommandAborted Status = 0xCA
	StatusPICCDisabled   Status = 0xCD
	StatusCountError     Status = 0xCE
	StatusDuplicate      Status = 0xDE
	StatusEEPROMRollback Status = 0xEE
	StatusFileNotFound   Status = 0xF0
	StatusFileIntegrity  Status = 0xF1

	// StatusSignature, like StatusNoChanges, is treated as a success
	// out-parameter distinct from StatusOK; callers distinguish them.
	StatusSignature Status = 0x91
)

// String renders a status byte for logs.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoChanges:
		return "NO_CHANGES"
	case StatusOutOfEEPROM:
		return "OUT_OF_EEPROM"
	case StatusIllegalCommand:
		return "ILLEGAL_COMMAND"
	case StatusIntegrityError:
		return "INTEGRITY_ERROR"
	case StatusNoSuchKey:
		return "NO_SUCH_KEY"
	case StatusLengthError:
		return "LENGTH_ERROR"
	case StatusPermissionDeny:
		return "PERMISSION_DENIED"
	case StatusParameterError:
		return "PARAMETER_ERROR"
	case StatusAppNotFound:
		return "APPLICATION_NOT_FOUND"
	case StatusAppIntegrity:
		return "APPLICATION_INTEGRITY_ERROR"
	case StatusAuthError:
		return "AUTHENTICATION_ERROR"
	case StatusAdditionalFrm:
		return "ADDITIONAL_FRAME"
	case StatusBoundaryError:
		return "BOUNDARY_ERROR"
	case StatusPICCIntegrity:
		return "PICC_INTEGRITY_ERROR"
	case StatusCommandAborted:
		return "COMMAND_ABORTED"
	case StatusPICCDisabled:
		return "PICC_DISABLED"
	case StatusCountError:
		return "COUNT_ERROR"
	case StatusDuplicate:
		return "DUPLICATE_ERROR"
	case StatusEEPROMRollback:
		return "EEPROM_ROLLBACK"
	case StatusFileNotFound:
		return "FILE_NOT_FOUND"
	case StatusFileIntegrity:
		return "FILE_INTEGRITY_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(s))
	}
}

// IsSuccess reports whether s is one of the four graceful non-error codes
// the transport layer treats as success: OPERATION_OK, ADDITIONAL_FRAME,
// SIGNATURE, NO_CHANGES. The caller distinguishes between them via the
// returned Status value itself.
func (s Status) IsSuccess() bool {
	switch s {
	case StatusOK, StatusAdditionalFrm, StatusNoChanges, StatusSignature:
		return true
	}
	return false
}

// ErrorKind classifies a core-level error independent of the underlying
// card status, for callers that want to branch on category rather than
// parse error strings.
type ErrorKind int

const (
	KindInvalidArgument ErrorKind = iota
	KindTransportFailure
	KindTimeout
	KindUserAborted
	KindCardStatus
	KindChainingMismatch
	KindCryptoVerify
	KindUnsupportedChannel
	KindNotAuthenticated
	KindUnexpectedRespLen
	KindEncodingFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindTransportFailure:
		return "TransportFailure"
	case KindTimeout:
		return "Timeout"
	case KindUserAborted:
		return "UserAborted"
	case KindCardStatus:
		return "CardStatus"
	case KindChainingMismatch:
		return "ChainingMismatch"
	case KindCryptoVerify:
		return "CryptoVerify"
	case KindUnsupportedChannel:
		return "UnsupportedChannel"
	case KindNotAuthenticated:
		return "NotAuthenticated"
	case KindUnexpectedRespLen:
		return "UnexpectedResponseLength"
	case KindEncodingFailure:
		return "EncodingFailure"
	default:
		return "Unknown"
	}
}

// Error is the core's typed error. Every error the library returns that
// originates inside the core (as opposed to being passed through from the
// transport verbatim) is an *Error, so callers can use errors.As.
type Error struct {
	Kind   ErrorKind
	Status Status // valid when Kind == KindCardStatus
	Cmd    byte   // command byte in flight, 0 if not applicable
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindCardStatus:
		return fmt.Sprintf("desfire: cmd 0x%02X: card status %s: %s", e.Cmd, e.Status, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("desfire: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	default:
		return fmt.Sprintf("desfire: %s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func newStatusErr(cmd byte, status Status) *Error {
	return &Error{Kind: KindCardStatus, Status: status, Cmd: cmd, Msg: "command failed"}
}

// AuthReason is the fine-grained authentication failure classification
// described in spec.md §7: 1..11 are local protocol-step failures, 100 is
// "no matching authentication method", 200/201 cover application select,
// and 301..308 are reserved for the ISO external/internal-authenticate path.
type AuthReason int

const (
	AuthReasonNone                AuthReason = 0
	AuthReasonSendAuth1Failed     AuthReason = 1
	AuthReasonBadAuth1Response    AuthReason = 2
	AuthReasonDecryptRndBFailed   AuthReason = 3
	AuthReasonRandomSourceFailed  AuthReason = 4
	AuthReasonEncryptStep2Failed  AuthReason = 5
	AuthReasonSendAuth2Failed     AuthReason = 6
	AuthReasonBadAuth2Response    AuthReason = 7
	AuthReasonDecryptStep2Failed  AuthReason = 8
	AuthReasonRndAMismatch        AuthReason = 9
	AuthReasonSessionKeyDerived   AuthReason = 10 // EV2 session-key derivation failed
	AuthReasonCounterResetFailed  AuthReason = 11
	AuthReasonNoMatchingMethod    AuthReason = 100
	AuthReasonSelectFailed        AuthReason = 200
	AuthReasonNoChannelEstablish  AuthReason = 201
	AuthReasonISOGetChallenge     AuthReason = 301
	AuthReasonISOExternalAuth     AuthReason = 302
	AuthReasonISOInternalAuth     AuthReason = 303
	AuthReasonISOBadChallengeLen  AuthReason = 304
	AuthReasonISOEncryptFailed    AuthReason = 305
	AuthReasonISODecryptFailed    AuthReason = 306
	AuthReasonISORndMismatch      AuthReason = 307
	AuthReasonISOSessionKeyFailed AuthReason = 308
)

// AuthError reports which step of an authentication state machine failed.
type AuthError struct {
	Reason AuthReason
	Status Status
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("desfire: auth failed (reason %d): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("desfire: auth failed (reason %d, status %s)", e.Reason, e.Status)
}

func (e *AuthError) Unwrap() error { return e.Cause }

func newAuthErr(reason AuthReason, status Status, cause error) *AuthError {
	return &AuthError{Reason: reason, Status: status, Cause: cause}
}

// IsNotAuthenticated reports whether err indicates the session had no
// active secure channel for the attempted operation.
func IsNotAuthenticated(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == KindNotAuthenticated
}

// IsCryptoVerify reports whether err is a CRC/MAC/RndA verification failure.
func IsCryptoVerify(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == KindCryptoVerify
}

// CardStatusOf extracts the card Status carried by err, if any.
func CardStatusOf(err error) (Status, bool) {
	var e *Error
	if asError(err, &e) && e.Kind == KindCardStatus {
		return e.Status, true
	}
	return 0, false
}

// asError is a small errors.As shim kept local to avoid importing errors
// in every call site that only needs these helpers.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
