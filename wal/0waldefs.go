package wal

import (
	"sync"

	"github.com/wangdi7670/MIT6.1810/bcache"
	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/metrics"
)

type LogState struct {
	outstanding uint64 // how many operations are executing
	committing  bool   // in commit(), please wait
	lh          hdr    // blocks logged by the current transaction
}

// hasSpace reports whether one more operation, writing at most opBlocks
// blocks, fits alongside the blocks already logged and the worst case of
// every outstanding operation.
func (st *LogState) hasSpace(opBlocks uint64, size uint64) bool {
	reserved := uint64(len(st.lh.blocks)) + (st.outstanding+1)*opBlocks
	return reserved <= size
}

func (st *LogState) logged(blkno common.Bnum) bool {
	for _, bn := range st.lh.blocks {
		if bn == blkno {
			return true
		}
	}
	return false
}

type Log struct {
	mu  *sync.Mutex
	bc  *bcache.Cache
	dev common.Dev

	start       common.Bnum // header block; slots follow it
	size        uint64      // number of data slots
	maxOpBlocks uint64

	st *LogState

	// woken when committing clears or outstanding drops
	condAdmit *sync.Cond

	m *metrics.Log

	// called with mu held after each admission; tests only
	admitted func(st *LogState)
}

// Capacity is the most blocks one transaction can hold.
func (l *Log) Capacity() uint64 {
	return l.size
}

func (l *Log) MaxOpBlocks() uint64 {
	return l.maxOpBlocks
}

func (l *Log) Dev() common.Dev {
	return l.dev
}

func (l *Log) slot(i int) common.Bnum {
	return l.start + 1 + common.Bnum(i)
}

// reservation reports the blocks logged so far and the number of
// outstanding operations.
func (l *Log) reservation() (uint64, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.st.lh.blocks)), l.st.outstanding
}
