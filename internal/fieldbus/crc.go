package fieldbus

// crcTable is the table for the reflected 0xA001 polynomial (CRC-16/MODBUS).
var crcTable = func() (t [256]uint16) {
	for i := range t {
		c := uint16(i)
		for range 8 {
			if c&1 != 0 {
				c = c>>1 ^ 0xA001
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC16 returns the checksum of buf with initial value 0xFFFF.
func CRC16(buf []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range buf {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}

// appendCRC appends the checksum of buf, low byte first.
func appendCRC(buf []byte) []byte {
	crc := CRC16(buf)
	return append(buf, byte(crc), byte(crc>>8))
}

// checkCRC reports whether the trailing two bytes of frame match the rest.
func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	got := uint16(frame[n]) | uint16(frame[n+1])<<8
	return got == CRC16(frame[:n])
}
