package wal

import (
	"go.uber.org/zap"

	"github.com/wangdi7670/MIT6.1810/util"
)

// Copy committed blocks from their log slots to their home locations.
// After a commit the home buffers are still pinned by Write and get
// unpinned here; during recovery nothing was pinned.
func (l *Log) installTrans(blocks []uint64, recovering bool) {
	for i, blkno := range blocks {
		lbuf := l.bc.Acquire(l.dev, l.slot(i))
		dbuf := l.bc.Acquire(l.dev, blkno)
		copy(dbuf.Data(), lbuf.Data())
		util.DPrintf(5, "installTrans: log block %d to %d\n", l.slot(i), blkno)
		l.bc.Flush(dbuf)
		if !recovering {
			l.bc.Unpin(dbuf)
		}
		l.bc.Release(lbuf)
		l.bc.Release(dbuf)
	}
	l.bc.Barrier(l.dev)
}

// recoverLog replays a transaction that committed before a crash but may
// not have been installed. Installing twice is harmless.
func (l *Log) recoverLog() uint64 {
	h := l.readHead()
	n := uint64(len(h.blocks))
	if n > 0 {
		l.installTrans(h.blocks, true)
		l.writeHead(&hdr{})
		zap.L().Info("log recovered",
			zap.Uint32("dev", uint32(l.dev)),
			zap.Uint64("blocks", n))
	}
	l.m.RecoveredBlocks.Add(float64(n))
	return n
}
