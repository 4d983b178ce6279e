package protocol

import "time"

// MaxSequence is the largest sequence value before wrapping to zero.
const MaxSequence = 0xffff

const halfSequence = 0x7fff

// NextSequence returns the sequence after s.
func NextSequence(s uint16) uint16 { return s + 1 }

// PreviousSequence returns the sequence before s.
func PreviousSequence(s uint16) uint16 { return s - 1 }

// SequenceLessThan reports whether b is ahead of a in the circular sequence
// space, i.e. b-a modulo 2^16 lies in [1, 32767].
func SequenceLessThan(a, b uint16) bool {
	d := b - a
	return d != 0 && d <= halfSequence
}

// SequenceCompare orders two sequences under wraparound: -1 if a is older
// than b, 1 if newer, 0 if equal or exactly half the space apart.
func SequenceCompare(a, b uint16) int {
	switch {
	case SequenceLessThan(a, b):
		return -1
	case SequenceLessThan(b, a):
		return 1
	default:
		return 0
	}
}

// Millis16 truncates t to a 16-bit millisecond timestamp.
func Millis16(t time.Time) uint16 {
	return uint16(t.UnixMilli() & 0xffff)
}
