package powershades

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// CRC16 computes the CRC16/XMODEM checksum (poly 0x1021, init 0) used in
// the frame header.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
