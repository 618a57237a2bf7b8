package protocol

// Sequence arithmetic over wrapping 16-bit indices. A distance of up to 2^15
// is interpreted as signed; beyond that the newer value wins.

// SequenceGreaterThan reports whether a is newer than b modulo 2^16.
func SequenceGreaterThan(a, b uint16) bool {
	const half = 1 << 15
	return (a > b && a-b <= half) || (a < b && b-a > half)
}

// SequenceLessThan reports whether a is older than b modulo 2^16.
func SequenceLessThan(a, b uint16) bool {
	return SequenceGreaterThan(b, a)
}

// SequenceDiff returns the signed distance a-b modulo 2^16.
func SequenceDiff(a, b uint16) int {
	return int(int16(a - b))
}
