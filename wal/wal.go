package wal

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wangdi7670/MIT6.1810/bcache"
	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/metrics"
	"github.com/wangdi7670/MIT6.1810/util"
)

// MkLog opens the log occupying nlog blocks of dev starting at logstart
// (one header block followed by nlog-1 slots) and recovers any committed
// transaction it still holds. Every operation may write at most
// maxOpBlocks distinct blocks.
func MkLog(bc *bcache.Cache, dev common.Dev, logstart common.Bnum,
	nlog uint64, maxOpBlocks uint64) *Log {
	if nlog < 2 {
		panic(fmt.Sprintf("MkLog: log of %d blocks has no slots", nlog))
	}
	size := LogCapacity(nlog)
	if maxOpBlocks == 0 || maxOpBlocks > size {
		panic(fmt.Sprintf("MkLog: operation size %d does not fit log of %d",
			maxOpBlocks, size))
	}
	mu := new(sync.Mutex)
	l := &Log{
		mu:          mu,
		bc:          bc,
		dev:         dev,
		start:       logstart,
		size:        size,
		maxOpBlocks: maxOpBlocks,
		st:          &LogState{},
		condAdmit:   sync.NewCond(mu),
		m:           metrics.NewLog(),
	}
	util.DPrintf(1, "MkLog: dev %d start %d size %d\n", dev, logstart, size)
	l.recoverLog()
	return l
}

// Register exports the log's collectors to reg.
func (l *Log) Register(reg prometheus.Registerer) error {
	return l.m.Register(reg)
}

// Begin is called at the start of each operation. It waits until no
// commit is in progress and the log has room for this operation's worst
// case on top of every outstanding one.
func (l *Log) Begin() {
	l.mu.Lock()
	waited := false
	for l.st.committing || !l.st.hasSpace(l.maxOpBlocks, l.size) {
		waited = true
		l.condAdmit.Wait()
	}
	if waited {
		l.m.AdmissionWaits.Inc()
	}
	l.st.outstanding += 1
	l.m.Outstanding.Inc()
	if l.admitted != nil {
		l.admitted(l.st)
	}
	l.mu.Unlock()
}

// Write records that b, modified by the caller, belongs to the current
// transaction. It replaces Flush: the block reaches its home location
// only after the transaction commits. The caller must hold b.
//
// Writing a block already in the transaction absorbs the update; the
// buffer is pinned once, on first write, until installation.
func (l *Log) Write(b *bcache.Buf) {
	if b.Dev() != l.dev {
		panic(fmt.Sprintf("log_write: block of dev %d in log of dev %d",
			b.Dev(), l.dev))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st.outstanding < 1 {
		panic("log_write outside of trans")
	}
	if l.st.committing {
		panic("log_write during commit")
	}
	if l.st.logged(b.Blkno()) {
		util.DPrintf(5, "log_write: absorb %d\n", b.Blkno())
		return
	}
	if uint64(len(l.st.lh.blocks)) >= l.size {
		panic("too big a transaction")
	}
	l.bc.Pin(b)
	l.st.lh.blocks = append(l.st.lh.blocks, b.Blkno())
}

// End is called at the end of each operation. The last outstanding
// operation commits the transaction, with the log lock released, and
// then readmits waiting operations.
func (l *Log) End() {
	l.mu.Lock()
	if l.st.outstanding == 0 {
		l.mu.Unlock()
		panic("end_op: no outstanding operation")
	}
	if l.st.committing {
		l.mu.Unlock()
		panic("log.committing")
	}
	l.st.outstanding -= 1
	l.m.Outstanding.Dec()
	if l.st.outstanding > 0 {
		// Begin may be waiting for log space, and decrementing
		// outstanding has decreased the amount of reserved space.
		l.condAdmit.Broadcast()
		l.mu.Unlock()
		return
	}
	l.st.committing = true
	blocks := l.st.lh.blocks
	l.mu.Unlock()

	l.commit(blocks)

	l.mu.Lock()
	l.st.lh.blocks = nil
	l.st.committing = false
	l.condAdmit.Broadcast()
	l.mu.Unlock()
}

// Stats is a snapshot of the log counters.
type Stats struct {
	Commits         uint64
	CommittedBlocks uint64
	AdmissionWaits  uint64
	RecoveredBlocks uint64
}

func (l *Log) Stats() Stats {
	return Stats{
		Commits:         metrics.Count(l.m.Commits),
		CommittedBlocks: metrics.Count(l.m.CommittedBlocks),
		AdmissionWaits:  metrics.Count(l.m.AdmissionWaits),
		RecoveredBlocks: metrics.Count(l.m.RecoveredBlocks),
	}
}

// Outstanding is the number of operations between Begin and End.
func (l *Log) Outstanding() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.outstanding
}
