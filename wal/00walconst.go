// Package wal implements write-ahead logging.
//
// The log is a physical re-do log containing disk blocks. A log
// transaction contains the updates of multiple concurrent operations;
// the log only commits when no operation is in progress, so a commit
// never contains half of an operation.
//
// The on-disk log format:
//
//	[ header | slot 0 | slot 1 | ... | slot size-1 ]
//	  ^        ^
//	  start    start+1
//
// The header holds the number of blocks n in the committed transaction
// followed by their home block numbers; slot i holds the new contents
// of the i-th listed block. n == 0 means the log is empty. Writing a
// header with n > 0 is the commit point of a transaction.
package wal

import (
	"fmt"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/util"
)

const (
	// LOGSZ is the most data slots a single header can describe.
	LOGSZ = common.HDRADDRS
)

// LogCapacity is the number of data slots in a log of nlog blocks: one
// block is the header, and the header can list at most LOGSZ blocks.
func LogCapacity(nlog uint64) uint64 {
	if nlog < 2 {
		return 0
	}
	return util.Min(nlog-1, LOGSZ)
}

// CheckBuffers reports whether a cache of nbuf buffers can run a log of
// the given capacity. A commit keeps every logged block pinned and holds
// one more buffer at a time for a log slot or the header; one spare is
// left for readers outside the log.
func CheckBuffers(nbuf uint64, capacity uint64) error {
	if nbuf < capacity+2 {
		return fmt.Errorf("%d buffers cannot hold a %d block transaction",
			nbuf, capacity)
	}
	return nil
}
