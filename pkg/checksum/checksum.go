// Package checksum implements the 32-bit buffer checksum exchanged with
// cameras to gate flash writes. The device computes CRC-32C (Castagnoli,
// reflected, init and xorout 0xffffffff), so the value computed here must
// match it bit-for-bit.
package checksum

import (
	"github.com/klauspost/crc32"
)

var table = crc32.MakeTable(crc32.Castagnoli)

// Sum returns the checksum of b.
func Sum(b []byte) uint32 {
	return crc32.Checksum(b, table)
}

// Update continues a checksum over more data, so that
// Update(Sum(a), b) == Sum(append(a, b...)).
func Update(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, table, b)
}

// Writer accumulates a checksum over everything written to it.
type Writer struct {
	crc uint32
	n   int
}

func (w *Writer) Write(p []byte) (int, error) {
	w.crc = Update(w.crc, p)
	w.n += len(p)
	return len(p), nil
}

// Sum32 returns the checksum of all bytes written so far.
func (w *Writer) Sum32() uint32 {
	return w.crc
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.n
}
