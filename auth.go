package desfire

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
)

// DESFire authentication command bytes (§4.4).
const (
	cmdAuthenticateLegacy     byte = 0x0A // D40, DES/2TDEA/3TDEA
	cmdAuthenticateISOTDEA    byte = 0x1A // EV1, 3K3DES
	cmdAuthenticateAES        byte = 0xAA // EV1, AES
	cmdAuthenticateEV2First   byte = 0x71
	cmdAuthenticateEV2NonFirst byte = 0x77
)

// ISO 7816 mutual-authentication instruction bytes, used by AuthenticateISO.
const (
	insGetChallenge       byte = 0x84
	insExternalAuthenticate byte = 0x82
	insInternalAuthenticate byte = 0x88
)

// AuthEngine drives the challenge-response handshakes (§4.4) that take a
// Session from Unauth to Authenticated. It owns no state of its own beyond
// its collaborators: every authentication attempt reads nothing but the
// Session's current key-independent fields and, on success, calls
// Session.establish; on any failure the Session is left untouched (the
// caller decides whether to Clear it, matching spec.md's "failed auth does
// not itself invalidate a session that was never authenticated" rule).
type AuthEngine struct {
	ex   *Exchanger
	sess *Session

	// randSource fills b with fresh random bytes. Defaults to crypto/rand;
	// tests substitute a fixed generator via WithRandSource to replay the
	// scripted RndA values spec.md §8's worked scenarios use.
	randSource func(b []byte) error
}

// NewAuthEngine binds an authentication engine to an Exchanger/Session pair.
func NewAuthEngine(ex *Exchanger, sess *Session) *AuthEngine {
	return &AuthEngine{
		ex:   ex,
		sess: sess,
		randSource: func(b []byte) error {
			_, err := io.ReadFull(rand.Reader, b)
			return err
		},
	}
}

// WithRandSource overrides the random-number source, for deterministic
// tests. It returns the engine for chaining.
func (e *AuthEngine) WithRandSource(f func(b []byte) error) *AuthEngine {
	e.randSource = f
	return e
}

// AuthenticateLegacy runs the D40 legacy handshake (sub-command 0x0A),
// usable with DES, 2TDEA, or 3TDEA keys. This is the historical
// DESFire authentication scheme: its "encryption" step is actually the
// block cipher's decrypt primitive run forward, a documented hardware
// quirk (spec.md §9 Retained Question) preserved here exactly rather than
// "fixed" — a conformant implementation must match real D40 cards bit for
// bit, not what a symmetric-cipher textbook would expect.
func (e *AuthEngine) AuthenticateLegacy(keyNo byte, key *Key) error {
	alg := key.Algorithm()
	if alg == AlgAES {
		return newAuthErr(AuthReasonNoMatchingMethod, 0, fmt.Errorf("legacy authentication does not support AES keys"))
	}
	bl := alg.BlockLen()

	status, resp, err := e.ex.Exchange(true, cmdAuthenticateLegacy, []byte{keyNo}, false)
	if err != nil {
		return newAuthErr(AuthReasonSendAuth1Failed, status, err)
	}
	if status != StatusAdditionalFrm || len(resp) != bl {
		return newAuthErr(AuthReasonBadAuth1Response, status, nil)
	}
	encRndB := resp

	zeroIV := make([]byte, bl)
	rndB, err := alg.DecryptCBC(key.Bytes(), zeroIV, encRndB)
	if err != nil {
		return newAuthErr(AuthReasonDecryptRndBFailed, 0, err)
	}

	rndA := make([]byte, bl)
	if err := e.randSource(rndA); err != nil {
		return newAuthErr(AuthReasonRandomSourceFailed, 0, err)
	}
	rotRndB := rotateLeft1(rndB)

	// "Encryption" here is decrypt-as-forward-primitive, chained manually:
	// block1 = Dk(RndA) with a zero external IV; block2 = Dk(rotRndB)
	// XOR'd against block1's *output* (not its input, unlike normal CBC) —
	// the quirk spec.md §4.4 and §9 call out explicitly.
	block1, err := alg.decryptECBChained(key.Bytes(), rndA)
	if err != nil {
		return newAuthErr(AuthReasonEncryptStep2Failed, 0, err)
	}
	block2Dec, err := alg.decryptECBChained(key.Bytes(), rotRndB)
	if err != nil {
		return newAuthErr(AuthReasonEncryptStep2Failed, 0, err)
	}
	block2 := make([]byte, bl)
	xorBlock(block2, block2Dec, block1)

	payload := append(append([]byte(nil), block1...), block2...)
	status, resp2, err := e.ex.Exchange(false, cmdAdditionalFrame, payload, true)
	if err != nil {
		return newAuthErr(AuthReasonSendAuth2Failed, status, err)
	}
	if status != StatusOK || len(resp2) != bl {
		return newAuthErr(AuthReasonBadAuth2Response, status, nil)
	}

	// The chaining quirk is confined to building block2 above; the card's
	// reply is a plain decrypt with no further XOR against block2.
	rndACheck, err := alg.decryptECBChained(key.Bytes(), resp2)
	if err != nil {
		return newAuthErr(AuthReasonDecryptStep2Failed, 0, err)
	}
	if !bytes.Equal(rndACheck, rotateLeft1(rndA)) {
		return newAuthErr(AuthReasonRndAMismatch, 0, nil)
	}

	sessAlg, sessKey := legacySessionKey(alg, rndA, rndB)
	e.sess.establish(ChannelD40, sessAlg, keyNo, sessKey, nil, [4]byte{})
	slog.Debug("D40 authentication complete", "key_no", keyNo, "alg", sessAlg)
	return nil
}

// legacySessionKey builds the D40/EV1-legacy session key from the two
// random halves, per spec.md §4.4: RndA[0:4]||RndB[0:4]||RndA[0:4]||
// RndB[0:4] for DES, with the analogous construction for 2TDEA/3TDEA. A
// DES long-term key always yields a 2TDEA-equivalent session key (two
// identical 8-byte halves), matching how Algorithm.block expands an
// AlgDES key everywhere else in this package. 3TDEA is not described
// explicitly by spec.md; it is extended here to 24 bytes as RndA[0:4]||
// RndB[0:4]||RndA[4:8]||RndB[4:8]||RndA[0:4]||RndB[0:4] (documented as an
// open question resolution in DESIGN.md).
func legacySessionKey(alg Algorithm, rndA, rndB []byte) (Algorithm, []byte) {
	switch alg {
	case AlgDES, Alg2TDEA:
		out := make([]byte, 16)
		copy(out[0:4], rndA[0:4])
		copy(out[4:8], rndB[0:4])
		copy(out[8:12], rndA[0:4])
		copy(out[12:16], rndB[0:4])
		return Alg2TDEA, out
	case Alg3TDEA:
		out := make([]byte, 24)
		copy(out[0:4], rndA[0:4])
		copy(out[4:8], rndB[0:4])
		copy(out[8:12], rndA[4:8])
		copy(out[12:16], rndB[4:8])
		copy(out[16:20], rndA[0:4])
		copy(out[20:24], rndB[0:4])
		return Alg3TDEA, out
	default:
		return alg, nil
	}
}

// AuthenticateEV1 runs the EV1 ISO/AES handshake: sub-command 0x1A for
// 3K3DES keys, 0xAA for AES. EV1 reserves these sub-commands for 3K3DES
// and AES only; plain DES/2TDEA keys always use AuthenticateLegacy, even
// against an EV1-generation card.
func (e *AuthEngine) AuthenticateEV1(keyNo byte, key *Key) error {
	alg := key.Algorithm()
	var cmd byte
	switch alg {
	case Alg3TDEA:
		cmd = cmdAuthenticateISOTDEA
	case AlgAES:
		cmd = cmdAuthenticateAES
	default:
		return newAuthErr(AuthReasonNoMatchingMethod, 0, fmt.Errorf("EV1 authentication requires a 3TDEA or AES key, got %s", alg))
	}

	// The EV1 challenge is always 16 bytes regardless of the underlying
	// cipher's native block size: for 3K3DES this chains two 8-byte CBC
	// blocks, for AES it is a single block. Algorithm.EncryptCBC/DecryptCBC
	// already chain multi-block buffers correctly for either case.
	const challengeLen = 16
	bl := alg.BlockLen()

	status, resp, err := e.ex.Exchange(true, cmd, []byte{keyNo}, false)
	if err != nil {
		return newAuthErr(AuthReasonSendAuth1Failed, status, err)
	}
	if status != StatusAdditionalFrm || len(resp) != challengeLen {
		return newAuthErr(AuthReasonBadAuth1Response, status, nil)
	}

	zeroIV := make([]byte, bl)
	rndB, err := alg.DecryptCBC(key.Bytes(), zeroIV, resp)
	if err != nil {
		return newAuthErr(AuthReasonDecryptRndBFailed, 0, err)
	}

	rndA := make([]byte, challengeLen)
	if err := e.randSource(rndA); err != nil {
		return newAuthErr(AuthReasonRandomSourceFailed, 0, err)
	}
	rotRndB := rotateLeft1(rndB)
	rndAB := append(append([]byte(nil), rndA...), rotRndB...)

	iv := make([]byte, bl)
	rndABEnc, err := alg.EncryptCBC(key.Bytes(), iv, rndAB)
	if err != nil {
		return newAuthErr(AuthReasonEncryptStep2Failed, 0, err)
	}
	iv = lastBlock(rndABEnc, bl)

	status, resp2, err := e.ex.Exchange(false, cmdAdditionalFrame, rndABEnc, true)
	if err != nil {
		return newAuthErr(AuthReasonSendAuth2Failed, status, err)
	}
	if status != StatusOK || len(resp2) != challengeLen {
		return newAuthErr(AuthReasonBadAuth2Response, status, nil)
	}

	dec, err := alg.DecryptCBC(key.Bytes(), iv, resp2)
	if err != nil {
		return newAuthErr(AuthReasonDecryptStep2Failed, 0, err)
	}
	rndACheck := rotateRight1(dec)
	if !bytes.Equal(rndACheck, rndA) {
		return newAuthErr(AuthReasonRndAMismatch, 0, nil)
	}

	sessAlg, sessKey := ev1SessionKey(alg, rndA, rndB)
	// EV1 uses one session key for both enciphering and MACing.
	e.sess.establish(ChannelEV1, sessAlg, keyNo, sessKey, sessKey, [4]byte{})
	slog.Debug("EV1 authentication complete", "key_no", keyNo, "alg", sessAlg)
	return nil
}

// ev1SessionKey builds the EV1 session key: RndA[0:4]||RndB[0:4]||
// RndA[12:16]||RndB[12:16] for AES. 3K3DES is not covered explicitly by
// spec.md; by analogy with the 24-byte 3TDEA key length this extends the
// same construction with RndA[4:8]||RndB[4:8], bytes the AES layout leaves
// unused (documented as an open question resolution in DESIGN.md).
func ev1SessionKey(alg Algorithm, rndA, rndB []byte) (Algorithm, []byte) {
	base := make([]byte, 16)
	copy(base[0:4], rndA[0:4])
	copy(base[4:8], rndB[0:4])
	copy(base[8:12], rndA[12:16])
	copy(base[12:16], rndB[12:16])
	if alg == AlgAES {
		return AlgAES, base
	}
	out := append(append([]byte(nil), base...), rndA[4:8]...)
	out = append(out, rndB[4:8]...)
	return Alg3TDEA, out
}

// AuthenticateEV2First runs the EV2-first handshake (sub-command 0x71),
// AES only. Unlike AuthenticateEV2NonFirst, this allocates a fresh
// transaction identifier and resets the command counter, and is the only
// EV2 entry point valid immediately after SelectApplication.
func (e *AuthEngine) AuthenticateEV2First(keyNo byte, key *Key) error {
	return e.authenticateEV2(cmdAuthenticateEV2First, keyNo, key, true)
}

// AuthenticateEV2NonFirst runs the EV2-non-first handshake (sub-command
// 0x77). It re-authenticates under a different key without tearing down
// the existing transaction: the TI is not reissued and the command
// counter is not reset, matching spec.md §4.4's EV2 invariant that the
// counter is strictly monotonic for the lifetime of a transaction.
func (e *AuthEngine) AuthenticateEV2NonFirst(keyNo byte, key *Key) error {
	return e.authenticateEV2(cmdAuthenticateEV2NonFirst, keyNo, key, false)
}

func (e *AuthEngine) authenticateEV2(cmd byte, keyNo byte, key *Key, first bool) error {
	if key.Algorithm() != AlgAES {
		return newAuthErr(AuthReasonNoMatchingMethod, 0, fmt.Errorf("EV2 authentication requires an AES key"))
	}
	alg := AlgAES
	const bl = 16
	priorCtr := e.sess.cmdCtr

	var initData []byte
	if first {
		initData = []byte{keyNo, 0x00}
	} else {
		initData = []byte{keyNo}
	}
	status, resp, err := e.ex.Exchange(true, cmd, initData, false)
	if err != nil {
		return newAuthErr(AuthReasonSendAuth1Failed, status, err)
	}
	if status != StatusAdditionalFrm || len(resp) != bl {
		return newAuthErr(AuthReasonBadAuth1Response, status, nil)
	}

	zeroIV := make([]byte, bl)
	rndB, err := alg.DecryptCBC(key.Bytes(), zeroIV, resp)
	if err != nil {
		return newAuthErr(AuthReasonDecryptRndBFailed, 0, err)
	}

	rndA := make([]byte, bl)
	if err := e.randSource(rndA); err != nil {
		return newAuthErr(AuthReasonRandomSourceFailed, 0, err)
	}
	rotRndB := rotateLeft1(rndB)
	rndAB := append(append([]byte(nil), rndA...), rotRndB...)
	rndABEnc, err := alg.EncryptCBC(key.Bytes(), zeroIV, rndAB)
	if err != nil {
		return newAuthErr(AuthReasonEncryptStep2Failed, 0, err)
	}

	status, resp2, err := e.ex.Exchange(false, cmdAdditionalFrame, rndABEnc, true)
	if err != nil {
		return newAuthErr(AuthReasonSendAuth2Failed, status, err)
	}
	if status != StatusOK || len(resp2) != 32 {
		return newAuthErr(AuthReasonBadAuth2Response, status, nil)
	}

	dec, err := alg.DecryptCBC(key.Bytes(), zeroIV, resp2)
	if err != nil {
		return newAuthErr(AuthReasonDecryptStep2Failed, 0, err)
	}

	var ti [4]byte
	if first {
		copy(ti[:], dec[:4])
	} else {
		ti = e.sess.TransactionID()
	}
	rndARot := dec[4:20]
	rndACheck := rotateRight1(rndARot)
	if !bytes.Equal(rndACheck, rndA) {
		return newAuthErr(AuthReasonRndAMismatch, 0, nil)
	}

	kenc, kmac, err := deriveEV2SessionKeys(key.Bytes(), rndA, rndB)
	if err != nil {
		return newAuthErr(AuthReasonSessionKeyDerived, 0, err)
	}

	e.sess.establish(ChannelEV2, AlgAES, keyNo, kenc, kmac, ti)
	if !first {
		// establish() always zeroes the counter, correctly for D40/EV1/
		// EV2-first. EV2-non-first is the one case that must not reset it:
		// the counter's monotonicity invariant spans the whole transaction,
		// not just one key's tenure, so the pre-auth value is restored.
		e.sess.cmdCtr = priorCtr
	}
	slog.Debug("EV2 authentication complete", "key_no", keyNo, "first", first, "ti", fmt.Sprintf("% X", ti))
	return nil
}

// deriveEV2SessionKeys computes Kenc/Kmac from SV1/SV2 (AES-CMAC over the
// NXP-defined session-vector layout), per spec.md §4.4's EV2 key-
// derivation law: SV1 = 0xA5 0x5A 00 01 00 80 || RndA[0:2] ||
// (RndA[2:8] XOR RndB[0:6]) || RndB[6:16] || RndA[8:16]; SV2 is identical
// except for the leading tag bytes (0x5A 0xA5).
func deriveEV2SessionKeys(key, rndA, rndB []byte) (kenc, kmac []byte, err error) {
	sv1 := buildEV2SessionVector(0xA5, 0x5A, rndA, rndB)
	sv2 := buildEV2SessionVector(0x5A, 0xA5, rndA, rndB)
	kenc, err = AlgAES.CMAC(key, sv1)
	if err != nil {
		return nil, nil, err
	}
	kmac, err = AlgAES.CMAC(key, sv2)
	if err != nil {
		return nil, nil, err
	}
	return kenc, kmac, nil
}

func buildEV2SessionVector(tag0, tag1 byte, rndA, rndB []byte) []byte {
	sv := make([]byte, 32)
	sv[0], sv[1] = tag0, tag1
	sv[2], sv[3], sv[4], sv[5] = 0x00, 0x01, 0x00, 0x80
	copy(sv[6:8], rndA[0:2])
	for i := 0; i < 6; i++ {
		sv[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv[14:24], rndB[6:16])
	copy(sv[24:32], rndA[8:16])
	return sv
}

// AuthenticateISO runs the ISO 7816 GET_CHALLENGE / EXTERNAL_AUTHENTICATE
// / INTERNAL_AUTHENTICATE mutual-authentication flow (spec.md §4.4's ISO
// auth path), available only under CommandSetISO. Session keys are
// derived with ev1SessionKey when the challenge is 16 bytes (AES, 3TDEA)
// and with legacySessionKey when it is 8 bytes (DES, 2TDEA), treating the
// host/card random halves as the RndA/RndB of that scheme.
func (e *AuthEngine) AuthenticateISO(keyNo byte, key *Key) error {
	if e.ex.cs != CommandSetISO {
		return newAuthErr(AuthReasonNoMatchingMethod, 0, fmt.Errorf("ISO authentication requires CommandSetISO"))
	}
	alg := key.Algorithm()
	bl := alg.BlockLen()
	challengeLen := bl
	if alg == AlgAES || alg == Alg3TDEA {
		challengeLen = 16
	}

	getChallenge := []byte{0x00, insGetChallenge, 0x00, 0x00, byte(challengeLen)}
	status, piccRnd, err := e.ex.ExchangeISO(true, getChallenge)
	if err != nil {
		return newAuthErr(AuthReasonISOGetChallenge, status, err)
	}
	if status != StatusOK || len(piccRnd) != challengeLen {
		return newAuthErr(AuthReasonISOGetChallenge, status, nil)
	}

	hostRnd := make([]byte, challengeLen)
	if err := e.randSource(hostRnd); err != nil {
		return newAuthErr(AuthReasonRandomSourceFailed, 0, err)
	}

	zeroIV := make([]byte, bl)
	cryptogram, err := alg.EncryptCBC(key.Bytes(), zeroIV, append(append([]byte(nil), hostRnd...), piccRnd...))
	if err != nil {
		return newAuthErr(AuthReasonISOEncryptFailed, 0, err)
	}
	extAuth := make([]byte, 0, 5+len(cryptogram))
	extAuth = append(extAuth, 0x00, insExternalAuthenticate, keyNo, 0x00, byte(len(cryptogram)))
	extAuth = append(extAuth, cryptogram...)
	status, _, err = e.ex.ExchangeISO(false, extAuth)
	if err != nil {
		return newAuthErr(AuthReasonISOExternalAuth, status, err)
	}
	if status != StatusOK {
		return newAuthErr(AuthReasonISOExternalAuth, status, nil)
	}

	hostRnd2 := make([]byte, challengeLen)
	if err := e.randSource(hostRnd2); err != nil {
		return newAuthErr(AuthReasonRandomSourceFailed, 0, err)
	}
	intAuth := make([]byte, 0, 5+len(hostRnd2)+1)
	intAuth = append(intAuth, 0x00, insInternalAuthenticate, 0x00, 0x00, byte(len(hostRnd2)))
	intAuth = append(intAuth, hostRnd2...)
	intAuth = append(intAuth, byte(2*challengeLen))
	status, resp, err := e.ex.ExchangeISO(false, intAuth)
	if err != nil {
		return newAuthErr(AuthReasonISOInternalAuth, status, err)
	}
	if status != StatusOK || len(resp) != 2*challengeLen {
		return newAuthErr(AuthReasonISOInternalAuth, status, nil)
	}

	dec, err := alg.DecryptCBC(key.Bytes(), zeroIV, resp)
	if err != nil {
		return newAuthErr(AuthReasonISODecryptFailed, 0, err)
	}
	piccRnd2 := dec[:challengeLen]
	hostRnd2Echo := dec[challengeLen:]
	if !bytes.Equal(hostRnd2Echo, hostRnd2) {
		return newAuthErr(AuthReasonISORndMismatch, 0, nil)
	}

	var sessAlg Algorithm
	var sessKey []byte
	if challengeLen == 16 {
		sessAlg, sessKey = ev1SessionKey(alg, hostRnd, piccRnd2)
	} else {
		sessAlg, sessKey = legacySessionKey(alg, hostRnd, piccRnd2)
	}
	e.sess.establish(ChannelEV1, sessAlg, keyNo, sessKey, sessKey, [4]byte{})
	slog.Debug("ISO authentication complete", "key_no", keyNo, "alg", sessAlg)
	return nil
}
