package desfire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// Algorithm is one of the four DESFire key/cipher families. The core
// branches on this single enum at every crypto touchpoint instead of
// duplicating per-cipher code paths; encode/decode (secure.go) and
// authentication (auth.go) both take an Algorithm value and dispatch
// through its methods.
type Algorithm int

const (
	AlgDES Algorithm = iota
	Alg2TDEA
	Alg3TDEA
	AlgAES
)

func (a Algorithm) String() string {
	switch a {
	case AlgDES:
		return "DES"
	case Alg2TDEA:
		return "2TDEA"
	case Alg3TDEA:
		return "3TDEA"
	case AlgAES:
		return "AES"
	default:
		return "unknown"
	}
}

// KeyLen returns the raw key length in bytes for the algorithm.
func (a Algorithm) KeyLen() int {
	switch a {
	case AlgDES:
		return 8
	case Alg2TDEA:
		return 16
	case Alg3TDEA:
		return 24
	case AlgAES:
		return 16
	default:
		return 0
	}
}

// BlockLen returns the cipher block length in bytes: 8 for the DES family,
// 16 for AES. IVs, MAC truncation units, and padding block sizes are all
// derived from this value.
func (a Algorithm) BlockLen() int {
	if a == AlgAES {
		return 16
	}
	return 8
}

// cmacRb returns the constant Rb used in CMAC subkey generation, which
// depends only on block size (NIST SP 800-38B): 0x1B for 64-bit blocks,
// 0x87 for 128-bit blocks.
func (a Algorithm) cmacRb() byte {
	if a.BlockLen() == 16 {
		return 0x87
	}
	return 0x1B
}

// block constructs the stdlib cipher.Block for this algorithm and key.
// 2TDEA keys (16 bytes, two distinct halves or a DES key doubled) are
// expanded to the 24-byte K1||K2||K1 form crypto/des.NewTripleDESCipher
// expects; a DES key is materially a 2TDEA key with identical halves and
// is expanded identically.
func (a Algorithm) block(key []byte) (cipher.Block, error) {
	switch a {
	case AlgDES:
		if len(key) != 8 {
			return nil, fmt.Errorf("DES key must be 8 bytes, got %d", len(key))
		}
		full := make([]byte, 24)
		copy(full[0:8], key)
		copy(full[8:16], key)
		copy(full[16:24], key)
		return des.NewTripleDESCipher(full)
	case Alg2TDEA:
		if len(key) != 16 {
			return nil, fmt.Errorf("2TDEA key must be 16 bytes, got %d", len(key))
		}
		full := make([]byte, 24)
		copy(full[0:16], key)
		copy(full[16:24], key[0:8])
		return des.NewTripleDESCipher(full)
	case Alg3TDEA:
		if len(key) != 24 {
			return nil, fmt.Errorf("3TDEA key must be 24 bytes, got %d", len(key))
		}
		return des.NewTripleDESCipher(key)
	case AlgAES:
		if len(key) != 16 {
			return nil, fmt.Errorf("AES key must be 16 bytes, got %d", len(key))
		}
		return aes.NewCipher(key)
	default:
		return nil, fmt.Errorf("unknown algorithm %v", a)
	}
}

// EncryptCBC CBC-encrypts data (which must already be a multiple of the
// algorithm's block length) under key and iv. iv is not mutated; the
// caller tracks IV chaining explicitly (session.go).
func (a Algorithm) EncryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := a.block(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("CBC encrypt: data length %d not a multiple of block size %d", len(data), block.BlockSize())
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// DecryptCBC CBC-decrypts data under key and iv.
func (a Algorithm) DecryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := a.block(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("CBC decrypt: data length %d not a multiple of block size %d", len(data), block.BlockSize())
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// decryptECBChained decrypts data block-by-block with no chaining (each
// block decrypted independently), the "ECB decrypt" primitive the D40
// legacy authentication step uses as its forward encryption operation.
func (a Algorithm) decryptECBChained(key, data []byte) ([]byte, error) {
	block, err := a.block(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("ECB decrypt: data length %d not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	for off := 0; off < len(data); off += bs {
		block.Decrypt(out[off:off+bs], data[off:off+bs])
	}
	return out, nil
}

// encryptECBBlock encrypts exactly one block, used to derive EV2
// IV-construction values (secure.go) via ECB rather than CBC.
func (a Algorithm) encryptECBBlock(key, blockIn []byte) ([]byte, error) {
	block, err := a.block(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(blockIn) != bs {
		return nil, fmt.Errorf("ECB block input must be %d bytes, got %d", bs, len(blockIn))
	}
	out := make([]byte, bs)
	block.Encrypt(out, blockIn)
	return out, nil
}

// CMAC computes OMAC1/AES-CMAC (or the TDEA-CMAC analog for DES families)
// over msg using key, returning a full block-length tag. Callers truncate
// to 8 bytes per the DESFire wire format (truncateOddBytes).
func (a Algorithm) CMAC(key, msg []byte) ([]byte, error) {
	block, err := a.block(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	k1, k2 := generateCMACSubkeys(block, a.cmacRb())

	n := (len(msg) + bs - 1) / bs
	if n == 0 {
		n = 1
	}
	lastComplete := len(msg) != 0 && len(msg)%bs == 0

	last := make([]byte, bs)
	if lastComplete {
		copy(last, msg[(n-1)*bs:])
		xorBlock(last, last, k1)
	} else {
		remain := len(msg) - (n-1)*bs
		if remain > 0 {
			copy(last, msg[(n-1)*bs:])
		}
		last[remain] = 0x80
		xorBlock(last, last, k2)
	}

	x := make([]byte, bs)
	y := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		start := i * bs
		xorBlock(y, x, msg[start:start+bs])
		block.Encrypt(x, y)
	}
	xorBlock(y, x, last)
	block.Encrypt(x, y)
	return x, nil
}

// generateCMACSubkeys derives K1/K2 (NIST SP 800-38B §6.1) for a block
// cipher of arbitrary block size, parameterized by the algorithm's Rb
// constant.
func generateCMACSubkeys(block cipher.Block, rb byte) (k1, k2 []byte) {
	bs := block.BlockSize()
	zero := make([]byte, bs)
	l := make([]byte, bs)
	block.Encrypt(l, zero)

	k1 = make([]byte, bs)
	leftShift1(k1, l)
	if (l[0] & 0x80) != 0 {
		k1[bs-1] ^= rb
	}

	k2 = make([]byte, bs)
	leftShift1(k2, k1)
	if (k1[0] & 0x80) != 0 {
		k2[bs-1] ^= rb
	}
	return k1, k2
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// truncateOddBytes extracts the 8-byte DESFire MAC truncation: every other
// byte starting at index 1 of the full CMAC tag.
func truncateOddBytes(cmac []byte) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = cmac[1+i*2]
	}
	return out
}

// rotateLeft1 returns a copy of in rotated left by one byte.
func rotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

// rotateRight1 returns a copy of in rotated right by one byte.
func rotateRight1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}

// padISO9797M2 pads data to a multiple of blockLen using ISO/IEC 9797-1
// padding method 2 (0x80 then zeros).
func padISO9797M2(data []byte, blockLen int) []byte {
	padLen := blockLen - (len(data) % blockLen)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// unpadISO9797M2 strips ISO/IEC 9797-1 method-2 padding, locating the 0x80
// tail after any number of trailing zero bytes.
func unpadISO9797M2(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, newErr(KindCryptoVerify, "bad ISO 9797-1 padding", nil)
	}
	return data[:idx], nil
}
