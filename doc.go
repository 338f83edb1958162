/*
Package desfire implements the client side of the MIFARE DESFire
contactless smart-card secure channel: authentication, session-key
derivation, secure messaging (MAC/encryption), and the native command
set, across all three protocol generations.

# Channel Variants

	ChannelD40  Legacy DES/2TDEA/3TDEA mutual authentication (sub-cmd 0x0A).
	            Session keys use the D40 concatenation scheme; secure
	            messaging appends a CRC16 (MAC mode) or a CRC16 followed by
	            zero padding and CBC encryption with a zero IV (Full mode);
	            no command counter.
	ChannelEV1  ISO/native authentication (0x1A for 3K3DES, 0xAA for AES).
	            Session keys use the EV1 concatenation scheme; secure
	            messaging appends a truncated CMAC (MAC mode) or a CRC32
	            followed by CBC encryption with a chained IV (Full mode);
	            no command counter.
	ChannelEV2  EV2-first (0x71) and EV2-non-first (0x77) authentication,
	            carrying a Transaction Identifier and a monotonic command
	            counter. Session keys (Kenc/Kmac) are derived via AES-CMAC
	            over fixed SV1/SV2 vectors (auth.go, deriveEV2SessionKeys).

A Session (session.go) tracks which variant is active, the command
counter, and the TI; Session.clear resets all of this, and
SelectApplication always invalidates any existing session — selecting
an application before authenticating, or re-authenticating after
selecting, is the caller's responsibility, exactly as it is on the card.

# Command-Set Framing

	CommandSetNative     Raw native frames (cmd || payload), chained via 0xAF.
	CommandSetNativeISO  Native command bytes wrapped in a CLA 0x90 APDU.
	CommandSetISO        True ISO 7816 APDUs (GET_CHALLENGE,
	                     EXTERNAL/INTERNAL AUTHENTICATE for AuthenticateISO).

# Communication Modes

	CommModePlain  Cleartext; no integrity check under D40/EV1, while EV2
	               still appends a MAC.
	CommModeMAC    Cleartext, response carries a truncated MAC.
	CommModeFull   CBC-encrypted payload plus MAC; requires an active session.

A file's effective mode for a given operation depends on both its
configured CommMode and its access rights: a free (0xE) access-rights
nibble is served in plain regardless of the file's configured mode.

# Access Rights Encoding

The 16-bit access rights value used by CreateFile/ChangeFileSettings and
reported by GetFileSettings is organized MSB-to-LSB as:

	bits 15-12: Read key
	bits 11-8:  Write key
	bits 7-4:   ReadWrite key
	bits 3-0:   ChangeAccessRights key

Nibble values 0x0-0xD select a key slot; 0xE means free (no
authentication required); 0xF means denied (never permitted). Bit 7 of
the file option byte signals that an AdditionalAccessRights trailer
follows the base settings (filesettings.go).

# Authentication Summary

	AuthenticateLegacy    D40 handshake, sub-cmd 0x0A. Preserves the
	                      historical quirk where the XOR coupling between
	                      chained CBC blocks is applied to the DES-decrypt
	                      primitive's *output*, not its input.
	AuthenticateEV1       Sub-cmd 0x1A (3K3DES) or 0xAA (AES). DES/2TDEA
	                      keys are rejected (AuthReasonNoMatchingMethod);
	                      they use AuthenticateLegacy, even on EV1-capable
	                      cards.
	AuthenticateEV2First  Sub-cmd 0x71. Establishes a fresh TI and resets
	                      the command counter to zero.
	AuthenticateEV2NonFirst  Sub-cmd 0x77. Reuses the existing TI and does
	                      NOT reset the command counter — the counter is
	                      monotonic across the whole transaction, not just
	                      one key's tenure.
	AuthenticateISO       GET_CHALLENGE / EXTERNAL_AUTHENTICATE /
	                      INTERNAL_AUTHENTICATE, only under CommandSetISO.

# Errors

Errors returned by this package are *Error values (errors.go) carrying a
Kind, or, for authentication failures, *AuthError values carrying an
AuthReason. Use errors.As to recover one: a failing card status is an
*Error of Kind KindCardStatus (CardStatusOf extracts the Status),
and Status.IsSuccess reports whether a status represents successful
command completion (including the chained-frame and signature statuses).

# Transport

Transport (transport.go) is the seam between this package and a
physical reader. pcsc.go provides a github.com/ebfe/scard-backed
implementation using the FF 00 00 00 <Lc> <data> pseudo-APDU convention
for native frame pass-through; tests use a scripted in-memory double.
*/
package desfire
