package mavlink

// crcInit is the CRC-16/MCRF4XX seed used by MAVLink.
const crcInit uint16 = 0xFFFF

func crcAccumulate(b byte, crc uint16) uint16 {
	tmp := b ^ byte(crc&0xFF)
	tmp ^= tmp << 4

	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

func crcAccumulateBytes(data []byte, crc uint16) uint16 {
	for _, b := range data {
		crc = crcAccumulate(b, crc)
	}

	return crc
}

func crcAccumulateString(s string, crc uint16) uint16 {
	for i := 0; i < len(s); i++ {
		crc = crcAccumulate(s[i], crc)
	}

	return crc
}

// frameChecksum covers everything after the magic byte plus the per-message seed.
func frameChecksum(headerAndPayload []byte, crcExtra byte) uint16 {
	crc := crcAccumulateBytes(headerAndPayload, crcInit)

	return crcAccumulate(crcExtra, crc)
}
