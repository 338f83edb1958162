package desfire

import "fmt"

// Key represents DESFire key material: the raw bytes, the algorithm family
// they belong to, and a version byte. Key is immutable after construction;
// derivation (Diversify) returns a new Key rather than mutating in place.
type Key struct {
	alg     Algorithm
	data    []byte
	version int // 0..255 for DES families with version encoding enabled; -1 disables it; AES always carries its version as a separate byte
}

// NewKey constructs a Key from raw bytes. version selects the DES/TDEA
// parity-bit version encoding (spec.md §4.1); pass a value >= 256 to
// disable version encoding for DES-family keys, as their key bytes then
// pass through unmodified. AES keys always store the version as a
// separate byte transmitted alongside the key, never in parity bits.
func NewKey(alg Algorithm, data []byte, version int) (*Key, error) {
	if len(data) != alg.KeyLen() {
		return nil, fmt.Errorf("desfire: %s key must be %d bytes, got %d", alg, alg.KeyLen(), len(data))
	}
	k := &Key{alg: alg, data: append([]byte(nil), data...), version: version}
	if alg != AlgAES && version >= 0 && version < 256 {
		k.data = encodeDESVersion(alg, k.data, byte(version))
	}
	return k, nil
}

// Algorithm returns the key's cipher family.
func (k *Key) Algorithm() Algorithm { return k.alg }

// Bytes returns the wire-ready key bytes (version already folded into
// parity bits for DES families, if enabled).
func (k *Key) Bytes() []byte { return append([]byte(nil), k.data...) }

// VersionByte returns the version byte to transmit alongside an AES key
// (DESFire AES key-change commands append this as a separate byte; DES
// families encode the version in parity bits instead and this is unused).
func (k *Key) VersionByte() byte {
	if k.version < 0 || k.version > 255 {
		return 0
	}
	return byte(k.version)
}

// encodeDESVersion folds a version byte into the low (parity) bit of each
// of the 8 bytes of a DES-family key, most significant version bit first,
// per spec.md §4.1. For 2TDEA/3TDEA every 8-byte half carries the same
// version bits.
func encodeDESVersion(alg Algorithm, key []byte, version byte) []byte {
	out := append([]byte(nil), key...)
	halves := len(out) / 8
	for h := 0; h < halves; h++ {
		for i := 0; i < 8; i++ {
			bit := (version >> (7 - i)) & 1
			idx := h*8 + i
			out[idx] = (out[idx] &^ 1) | bit
		}
	}
	return out
}

// Diversify applies the AN10922 key-diversification KDF: a truncated
// CMAC (AES-CMAC for AES, 3TDEA-CMAC for 3K3DES, 2TDEA-CMAC for DES/2TDEA) over a 1-31 byte
// diversification input, keyed with k, prefixed by a context byte (0x01
// for a single-invocation algorithm; 0x21/0x22 for the two halves a
// 2TDEA-length output needs).
func (k *Key) Diversify(input []byte) (*Key, error) {
	if len(input) < 1 || len(input) > 31 {
		return nil, fmt.Errorf("desfire: AN10922 diversification input must be 1..31 bytes, got %d", len(input))
	}

	switch k.alg {
	case AlgAES, Alg3TDEA:
		msg := append([]byte{0x01}, input...)
		tag, err := k.alg.CMAC(k.data, msg)
		if err != nil {
			return nil, err
		}
		out := tag[:k.alg.KeyLen()]
		return NewKey(k.alg, out, k.version)
	case AlgDES, Alg2TDEA:
		msg1 := append([]byte{0x21}, input...)
		msg2 := append([]byte{0x22}, input...)
		// CMAC for the DES family runs over an effective 2TDEA/3TDEA key;
		// for plain DES the key is a 2TDEA key with identical halves
		// (NewKey enforces this via the alg passed in).
		kdfAlg := k.alg
		if kdfAlg == AlgDES {
			kdfAlg = Alg2TDEA
		}
		kdfKey := k.data
		if k.alg == AlgDES {
			kdfKey = append(append([]byte{}, k.data...), k.data...)
		}
		tag1, err := kdfAlg.CMAC(kdfKey, msg1)
		if err != nil {
			return nil, err
		}
		tag2, err := kdfAlg.CMAC(kdfKey, msg2)
		if err != nil {
			return nil, err
		}
		half1 := tag1[:8]
		half2 := tag2[:8]
		if k.alg == AlgDES {
			return NewKey(AlgDES, half1, k.version)
		}
		out := append(append([]byte{}, half1...), half2...)
		return NewKey(Alg2TDEA, out, k.version)
	default:
		return nil, fmt.Errorf("desfire: unsupported algorithm for AN10922 KDF: %s", k.alg)
	}
}

// GallagherDiversificationInput builds the deterministic 11-byte input the
// Gallagher KDF substitutes for the caller-provided diversification input.
// spec.md §9 flags the concrete layout as site-specific and stubs it; this
// default lays it out as uid[0:7] || keyNo || aid (3 bytes, little-endian),
// zero-filling a uid shorter than 7 bytes. A deployment with a different
// layout calls Key.Diversify directly with a caller-built input.
func GallagherDiversificationInput(uid []byte, keyNo byte, aid uint32) []byte {
	out := make([]byte, 11)
	n := copy(out, uid)
	if n > 7 {
		n = 7
	}
	out[7] = keyNo
	out[8] = byte(aid)
	out[9] = byte(aid >> 8)
	out[10] = byte(aid >> 16)
	return out
}

// DiversifyGallagher applies the Gallagher KDF: AN10922 diversification
// using GallagherDiversificationInput in place of a caller-supplied input.
func (k *Key) DiversifyGallagher(uid []byte, keyNo byte, aid uint32) (*Key, error) {
	return k.Diversify(GallagherDiversificationInput(uid, keyNo, aid))
}
