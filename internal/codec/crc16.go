package codec

// CRC-16/ARC parameters.
const (
	// CRC16Polynomial is the reflected form of 0x8005.
	CRC16Polynomial = 0xA001

	// CRC16InitialValue is the accumulator seed.
	CRC16InitialValue = 0x0000

	bitsPerByte = 8
)

// CRC16 computes the CRC-16/ARC checksum of data one bit at a time, without a
// lookup table. The same function is used to checksum outgoing commands and
// to validate reply data.
func CRC16(data []byte) uint16 {
	crc := uint16(CRC16InitialValue)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < bitsPerByte; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ CRC16Polynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
