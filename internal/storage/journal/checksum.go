package journal

import (
	"fmt"
	"hash/crc32"
)

// checksum computes a CRC32 (IEEE) over the identity fields of a record.
// The timestamp is excluded so a record's checksum is a pure function of
// what happened, not of when it was written.
func checksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	fmt.Fprintf(h, "%d|%s|%s|%d|%s", rec.Seq, rec.Op, rec.Flow, rec.Order, rec.Source)
	return h.Sum32()
}
