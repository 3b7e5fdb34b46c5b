package util

import "go.uber.org/zap"

// Debug is the most verbose DPrintf level that is emitted.
var Debug uint64 = 1

// DPrintf logs through the global zap logger at debug level; messages above
// Debug are dropped before formatting.
func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		zap.S().Debugf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

// SumOverflows reports whether a+b wraps around.
func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
