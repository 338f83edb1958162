package desfire

import "bytes"

// SecureCodec applies the selected secure-channel variant and
// communication mode to outgoing (cmd, header, data) triples and
// verifies/decodes incoming responses symmetrically (§4.3). header is an
// unencrypted prefix (e.g. a file number) that still participates in
// CRC/MAC computation but is never enciphered — the same split the
// command surface needs for every Full-mode file operation. Most
// non-EV2 commands have no header; callers pass nil.
type SecureCodec struct {
	sess *Session
}

// NewSecureCodec binds a codec to a session. The codec reads and mutates
// the session's IV/counter/TI as commands are encoded and decoded.
func NewSecureCodec(sess *Session) *SecureCodec {
	return &SecureCodec{sess: sess}
}

// Encode produces the wire payload for (cmd, header, data) under mode,
// per the active secure-channel variant.
func (c *SecureCodec) Encode(cmd byte, header, data []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	if !s.IsAuthenticated() && mode != CommModePlain {
		return nil, newErr(KindNotAuthenticated, "secure messaging requires an active session", nil)
	}

	switch s.variant {
	case ChannelNone:
		return append(append([]byte(nil), header...), data...), nil
	case ChannelD40:
		return c.encodeD40(cmd, header, data, mode)
	case ChannelEV1:
		return c.encodeEV1(cmd, header, data, mode)
	case ChannelEV2:
		return c.encodeEV2(cmd, header, data, mode)
	default:
		return nil, newErr(KindUnsupportedChannel, "unknown secure channel variant", nil)
	}
}

// Decode verifies and decodes a fully reassembled response, returning its
// plaintext data. A CryptoVerify failure always clears the session
// (§7 propagation policy).
func (c *SecureCodec) Decode(cmd byte, status Status, raw []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	if !s.IsAuthenticated() && mode != CommModePlain {
		return nil, newErr(KindNotAuthenticated, "secure messaging requires an active session", nil)
	}

	var out []byte
	var err error
	switch s.variant {
	case ChannelNone:
		return raw, nil
	case ChannelD40:
		out, err = c.decodeD40(raw, mode)
	case ChannelEV1:
		out, err = c.decodeEV1(cmd, status, raw, mode)
	case ChannelEV2:
		out, err = c.decodeEV2(status, raw, mode)
	default:
		return nil, newErr(KindUnsupportedChannel, "unknown secure channel variant", nil)
	}
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindCryptoVerify {
			s.clear()
		}
		return nil, err
	}
	return out, nil
}

// ---- D40 ----

func (c *SecureCodec) encodeD40(_ byte, header, data []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	switch mode {
	case CommModePlain:
		return append(append([]byte(nil), header...), data...), nil
	case CommModeMAC:
		crc := CRC16CCITT(data)
		out := append(append([]byte(nil), header...), data...)
		out = append(out, crc16LE(crc)...)
		return out, nil
	case CommModeFull:
		plain := append(append([]byte(nil), data...), crc16LE(CRC16CCITT(data))...)
		bl := s.alg.BlockLen()
		padded := padZero(plain, bl)
		iv := make([]byte, bl)
		enc, err := s.alg.EncryptCBC(s.encKey, iv, padded)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "D40 enciphered encode failed", err)
		}
		return append(append([]byte(nil), header...), enc...), nil
	default:
		return nil, newErr(KindInvalidArgument, "unknown comm mode", nil)
	}
}

func (c *SecureCodec) decodeD40(raw []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	switch mode {
	case CommModePlain:
		return raw, nil
	case CommModeMAC:
		if len(raw) < 2 {
			return nil, newErr(KindUnexpectedRespLen, "D40 MACed response too short", nil)
		}
		data := raw[:len(raw)-2]
		want := raw[len(raw)-2:]
		got := crc16LE(CRC16CCITT(data))
		if !bytes.Equal(want, got) {
			return nil, newErr(KindCryptoVerify, "D40 CRC16 mismatch", nil)
		}
		return data, nil
	case CommModeFull:
		bl := s.alg.BlockLen()
		if len(raw) == 0 || len(raw)%bl != 0 {
			return nil, newErr(KindUnexpectedRespLen, "D40 enciphered response not block aligned", nil)
		}
		iv := make([]byte, bl)
		dec, err := s.alg.DecryptCBC(s.encKey, iv, raw)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "D40 enciphered decode failed", err)
		}
		plain := trimTrailingZeros(dec)
		if len(plain) < 2 {
			return nil, newErr(KindCryptoVerify, "D40 enciphered response missing CRC", nil)
		}
		data := plain[:len(plain)-2]
		want := plain[len(plain)-2:]
		got := crc16LE(CRC16CCITT(data))
		if !bytes.Equal(want, got) {
			return nil, newErr(KindCryptoVerify, "D40 enciphered CRC16 mismatch", nil)
		}
		return data, nil
	default:
		return nil, newErr(KindInvalidArgument, "unknown comm mode", nil)
	}
}

// ---- EV1 ----

func (c *SecureCodec) encodeEV1(cmd byte, header, data []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	switch mode {
	case CommModePlain:
		return append(append([]byte(nil), header...), data...), nil
	case CommModeMAC:
		msg := append([]byte{cmd}, data...)
		tag, err := s.alg.CMAC(s.macKey, msg)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV1 MAC encode failed", err)
		}
		out := append(append([]byte(nil), header...), data...)
		out = append(out, truncateOddBytes(tag)...)
		return out, nil
	case CommModeFull:
		bl := s.alg.BlockLen()
		plain := append([]byte{cmd}, data...)
		crc := crc32LE(CRC32DESFire(plain))
		padded := padISO9797M2(append(append([]byte(nil), data...), crc...), bl)
		enc, err := s.alg.EncryptCBC(s.encKey, s.iv, padded)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV1 enciphered encode failed", err)
		}
		s.iv = lastBlock(enc, bl)
		return append(append([]byte(nil), header...), enc...), nil
	default:
		return nil, newErr(KindInvalidArgument, "unknown comm mode", nil)
	}
}

func (c *SecureCodec) decodeEV1(_ byte, status Status, raw []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	switch mode {
	case CommModePlain:
		return raw, nil
	case CommModeMAC:
		if len(raw) < 8 {
			return nil, newErr(KindUnexpectedRespLen, "EV1 MACed response too short", nil)
		}
		data := raw[:len(raw)-8]
		want := raw[len(raw)-8:]
		msg := append(append([]byte(nil), data...), byte(status))
		tag, err := s.alg.CMAC(s.macKey, msg)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV1 MAC decode failed", err)
		}
		if !bytes.Equal(want, truncateOddBytes(tag)) {
			return nil, newErr(KindCryptoVerify, "EV1 MAC mismatch", nil)
		}
		return data, nil
	case CommModeFull:
		bl := s.alg.BlockLen()
		if len(raw) == 0 || len(raw)%bl != 0 {
			return nil, newErr(KindUnexpectedRespLen, "EV1 enciphered response not block aligned", nil)
		}
		dec, err := s.alg.DecryptCBC(s.encKey, s.iv, raw)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV1 enciphered decode failed", err)
		}
		s.iv = lastBlock(raw, bl)
		unpadded, err := unpadISO9797M2(dec)
		if err != nil {
			return nil, err
		}
		if len(unpadded) < 4 {
			return nil, newErr(KindCryptoVerify, "EV1 enciphered response missing CRC32", nil)
		}
		data := unpadded[:len(unpadded)-4]
		want := unpadded[len(unpadded)-4:]
		got := crc32LE(CRC32DESFire(append(append([]byte(nil), data...), byte(status))))
		if !bytes.Equal(want, got) {
			return nil, newErr(KindCryptoVerify, "EV1 enciphered CRC32 mismatch", nil)
		}
		return data, nil
	default:
		return nil, newErr(KindInvalidArgument, "unknown comm mode", nil)
	}
}

// ---- EV2 ----

// ev2IVConstruction derives the AES-CBC IV for EV2 command/response
// encryption: AES_ECB(Kenc, tag(2) || TI(4) || cmdCtrLE(2) || 00*8).
func ev2IVConstruction(alg Algorithm, encKey []byte, tag [2]byte, ti [4]byte, cmdCtr uint16) ([]byte, error) {
	in := make([]byte, 16)
	in[0], in[1] = tag[0], tag[1]
	copy(in[2:6], ti[:])
	in[6] = byte(cmdCtr)
	in[7] = byte(cmdCtr >> 8)
	return alg.encryptECBBlock(encKey, in)
}

func (c *SecureCodec) encodeEV2(cmd byte, header, data []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	ctr := s.cmdCtr

	var encData []byte
	var err error
	if mode == CommModeFull && len(data) > 0 {
		iv, ivErr := ev2IVConstruction(s.alg, s.encKey, [2]byte{0xA5, 0x5A}, s.ti, ctr)
		if ivErr != nil {
			return nil, newErr(KindEncodingFailure, "EV2 IV derivation failed", ivErr)
		}
		padded := padISO9797M2(data, s.alg.BlockLen())
		encData, err = s.alg.EncryptCBC(s.encKey, iv, padded)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV2 enciphered encode failed", err)
		}
	} else {
		encData = append([]byte(nil), data...)
	}

	macInput := make([]byte, 0, 1+2+4+len(header)+len(encData))
	macInput = append(macInput, cmd, byte(ctr), byte(ctr>>8))
	macInput = append(macInput, s.ti[:]...)
	macInput = append(macInput, header...)
	macInput = append(macInput, encData...)
	tag, err := s.alg.CMAC(s.macKey, macInput)
	if err != nil {
		return nil, newErr(KindEncodingFailure, "EV2 MAC encode failed", err)
	}

	if mode == CommModePlain || mode == CommModeFull {
		out := append(append([]byte(nil), header...), encData...)
		out = append(out, truncateOddBytes(tag)...)
		return out, nil
	}
	// MACed mode: data travels in the clear, only the MAC is appended.
	out := append(append([]byte(nil), header...), data...)
	out = append(out, truncateOddBytes(tag)...)
	return out, nil
}

func (c *SecureCodec) decodeEV2(status Status, raw []byte, mode CommMode) ([]byte, error) {
	s := c.sess
	if len(raw) < 8 {
		return nil, newErr(KindUnexpectedRespLen, "EV2 response too short for MAC", nil)
	}
	respData := raw[:len(raw)-8]
	respMac := raw[len(raw)-8:]

	ctr1 := s.cmdCtr + 1
	macInput := make([]byte, 0, 1+2+4+len(respData))
	macInput = append(macInput, byte(status), byte(ctr1), byte(ctr1>>8))
	macInput = append(macInput, s.ti[:]...)
	macInput = append(macInput, respData...)
	tag, err := s.alg.CMAC(s.macKey, macInput)
	if err != nil {
		return nil, newErr(KindEncodingFailure, "EV2 MAC decode failed", err)
	}
	if !bytes.Equal(respMac, truncateOddBytes(tag)) {
		return nil, newErr(KindCryptoVerify, "EV2 response MAC mismatch", nil)
	}

	var out []byte
	if mode == CommModeFull && len(respData) > 0 {
		iv, ivErr := ev2IVConstruction(s.alg, s.encKey, [2]byte{0x5A, 0xA5}, s.ti, ctr1)
		if ivErr != nil {
			return nil, newErr(KindEncodingFailure, "EV2 response IV derivation failed", ivErr)
		}
		dec, decErr := s.alg.DecryptCBC(s.encKey, iv, respData)
		if decErr != nil {
			return nil, newErr(KindEncodingFailure, "EV2 enciphered response decode failed", decErr)
		}
		out, err = unpadISO9797M2(dec)
		if err != nil {
			return nil, err
		}
	} else {
		out = respData
	}

	s.cmdCtr = ctr1
	return out, nil
}

// ---- key-change cryptograms ----

// EncodeKeyCryptogram encodes a caller-built key-change cryptogram
// (spec.md §4.3: it already embeds its own CRC(s) over cmd || keyNoByte
// || plaintext, which differs from the per-command CRC a generic
// Full-mode Encode would compute) — so this pads and enciphers it
// directly instead of routing through Encode's own CRC step.
func (c *SecureCodec) EncodeKeyCryptogram(cmd byte, header, cryptogram []byte) ([]byte, error) {
	s := c.sess
	bl := s.alg.BlockLen()

	switch s.variant {
	case ChannelD40:
		padded := padZero(cryptogram, bl)
		iv := make([]byte, bl)
		enc, err := s.alg.EncryptCBC(s.encKey, iv, padded)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "D40 key cryptogram encode failed", err)
		}
		return append(append([]byte(nil), header...), enc...), nil
	case ChannelEV1:
		padded := padISO9797M2(cryptogram, bl)
		enc, err := s.alg.EncryptCBC(s.encKey, s.iv, padded)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV1 key cryptogram encode failed", err)
		}
		s.iv = lastBlock(enc, bl)
		return append(append([]byte(nil), header...), enc...), nil
	case ChannelEV2:
		padded := padISO9797M2(cryptogram, bl)
		ctr := s.cmdCtr
		iv, err := ev2IVConstruction(s.alg, s.encKey, [2]byte{0xA5, 0x5A}, s.ti, ctr)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV2 key cryptogram IV derivation failed", err)
		}
		encData, err := s.alg.EncryptCBC(s.encKey, iv, padded)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV2 key cryptogram encode failed", err)
		}
		macInput := make([]byte, 0, 1+2+4+len(header)+len(encData))
		macInput = append(macInput, cmd, byte(ctr), byte(ctr>>8))
		macInput = append(macInput, s.ti[:]...)
		macInput = append(macInput, header...)
		macInput = append(macInput, encData...)
		tag, err := s.alg.CMAC(s.macKey, macInput)
		if err != nil {
			return nil, newErr(KindEncodingFailure, "EV2 key cryptogram MAC failed", err)
		}
		out := append(append([]byte(nil), header...), encData...)
		out = append(out, truncateOddBytes(tag)...)
		return out, nil
	default:
		return nil, newErr(KindNotAuthenticated, "key change requires an active session", nil)
	}
}

// keyChangeCRC computes the CRC spec.md §4.3 requires for a key-change
// cryptogram: CRC16 under D40, CRC32 under EV1/EV2, over
// cmd || keyNoByte || plaintext.
func keyChangeCRC(variant SecureChannel, cmd, keyNoByte byte, plaintext []byte) []byte {
	msg := make([]byte, 0, 2+len(plaintext))
	msg = append(msg, cmd, keyNoByte)
	msg = append(msg, plaintext...)
	if variant == ChannelD40 {
		return crc16LE(CRC16CCITT(msg))
	}
	return crc32LE(CRC32DESFire(msg))
}

// ---- shared helpers ----

func padZero(data []byte, blockLen int) []byte {
	rem := len(data) % blockLen
	if rem == 0 {
		return data
	}
	out := make([]byte, len(data)+blockLen-rem)
	copy(out, data)
	return out
}

func trimTrailingZeros(data []byte) []byte {
	i := len(data)
	for i > 0 && data[i-1] == 0x00 {
		i--
	}
	return data[:i]
}

func lastBlock(data []byte, blockLen int) []byte {
	if len(data) < blockLen {
		out := make([]byte, blockLen)
		copy(out, data)
		return out
	}
	return append([]byte(nil), data[len(data)-blockLen:]...)
}
