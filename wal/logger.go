package wal

import (
	"github.com/wangdi7670/MIT6.1810/util"
)

// Copy each logged block from its cached home buffer into its log slot.
// The home buffers stay pinned, so their contents are the ones the
// operations wrote.
func (l *Log) writeLog(blocks []uint64) {
	for i, blkno := range blocks {
		from := l.bc.Acquire(l.dev, blkno)
		to := l.bc.Acquire(l.dev, l.slot(i))
		copy(to.Data(), from.Data())
		util.DPrintf(5, "writeLog: %d to log block %d\n", blkno, l.slot(i))
		l.bc.Flush(to)
		l.bc.Release(from)
		l.bc.Release(to)
	}
	l.bc.Barrier(l.dev)
}

func (l *Log) commit(blocks []uint64) {
	if len(blocks) == 0 {
		return
	}
	l.writeLog(blocks)
	l.writeHead(&hdr{blocks: blocks}) // commit point
	util.DPrintf(3, "commit: %d blocks\n", len(blocks))
	l.installTrans(blocks, false)
	l.writeHead(&hdr{}) // erase the transaction from the log

	l.m.Commits.Inc()
	l.m.CommittedBlocks.Add(float64(len(blocks)))
	l.m.CommitSize.Observe(float64(len(blocks)))
}
