package tree

import "encoding/binary"

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(buf []byte, off int) (uint64, int) {
	v, n := binary.Uvarint(buf[off:])
	return v, off + n
}
