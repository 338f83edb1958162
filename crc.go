package desfire

// CRC16CCITT computes the CRC16/CCITT checksum used by D40-era MACed and
// Enciphered communication modes. Polynomial 0x8408 (reversed 0x1021),
// initial value 0x6363 per the DESFire D40 convention.
func CRC16CCITT(data []byte) uint16 {
	const poly = 0x8408
	crc := uint16(0x6363)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CRC32DESFire computes the CRC32 used by EV1/EV2 Enciphered mode and by
// key-change cryptograms, polynomial 0xEDB88320, initial value 0xFFFFFFFF.
// Grounded on the pack's own CRC32DESFire (keys.go), generalized beyond
// key versioning to cover the Enciphered-mode and key-change cryptogram
// CRC computations §4.3/§4.6 require.
func CRC32DESFire(data []byte) uint32 {
	const poly = uint32(0xEDB88320)
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func crc16LE(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func crc32LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
