package ext2

// bitmap is one block's worth of allocation bits. Bit i of byte n tracks
// unit n*8+i: 0 is free, 1 is used. This matches the on-disk bitmap layout
// bit for bit, so a bitmap can be read, mutated and written back verbatim.
type bitmap []byte

// test reports whether bit i is set.
func (b bitmap) test(i uint32) bool {
	return b[i/8]&(1<<(i%8)) != 0
}

// set marks bit i used.
func (b bitmap) set(i uint32) {
	b[i/8] |= 1 << (i % 8)
}

// clear marks bit i free.
func (b bitmap) clear(i uint32) {
	b[i/8] &^= 1 << (i % 8)
}

// firstClearFrom linear-scans for the first clear bit in [start, limit).
// Whole 0xFF bytes are skipped without testing individual bits, which keeps
// the scan cheap on nearly full groups.
func (b bitmap) firstClearFrom(start, limit uint32) (uint32, bool) {
	for i := start; i < limit; {
		if i%8 == 0 && b[i/8] == 0xFF && i+8 <= limit {
			i += 8
			continue
		}
		if !b.test(i) {
			return i, true
		}
		i++
	}
	return 0, false
}

// countClear returns the number of clear bits in [0, limit). Used by the
// consistency checks that compare bitmaps against the free counters.
func (b bitmap) countClear(limit uint32) uint32 {
	count := uint32(0)
	for i := uint32(0); i < limit; i++ {
		if !b.test(i) {
			count++
		}
	}
	return count
}
