package wal

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/wangdi7670/MIT6.1810/bcache"
	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/disk"
)

const (
	dev      = common.ROOTDEV
	logstart = common.Bnum(2)
	nlog     = common.LOGSIZE + 1
	dataBase = common.Bnum(100)
)

func mkBlock(b byte) disk.Block {
	block := make(disk.Block, disk.BlockSize)
	for i := range block {
		block[i] = b
	}
	return block
}

type WalSuite struct {
	suite.Suite
	mem disk.Disk
	d   *disk.FaultDisk
	bc  *bcache.Cache
	l   *Log
}

func (suite *WalSuite) SetupTest() {
	suite.mem = disk.NewMemDisk(1000)
	suite.d = disk.NewFaultDisk(suite.mem)
	suite.l = suite.mkLog(nlog, common.MAXOPBLOCKS)
}

func (suite *WalSuite) mkLog(nlog uint64, maxOpBlocks uint64) *Log {
	suite.bc = bcache.MkCache(common.NBUCKET, common.BUCKETSZ)
	suite.bc.Attach(dev, suite.d)
	return MkLog(suite.bc, dev, logstart, nlog, maxOpBlocks)
}

// restart simulates a reboot: the cache is lost and the log recovers from
// whatever reached the disk.
func (suite *WalSuite) restart() *Log {
	suite.d = disk.NewFaultDisk(suite.mem)
	suite.l = suite.mkLog(nlog, common.MAXOPBLOCKS)
	return suite.l
}

// write updates block bn inside the current operation.
func (suite *WalSuite) write(bn common.Bnum, v byte) {
	b := suite.bc.Acquire(dev, bn)
	copy(b.Data(), mkBlock(v))
	suite.l.Write(b)
	suite.bc.Release(b)
}

func (suite *WalSuite) diskBlock(bn common.Bnum) disk.Block {
	blk, err := suite.mem.Read(bn)
	suite.Require().NoError(err)
	return blk
}

func (suite *WalSuite) checkDisk(bn common.Bnum, v byte) {
	suite.Equal(mkBlock(v), suite.diskBlock(bn), "block %d", bn)
}

func (suite *WalSuite) checkEmptyHeader() {
	h, err := decodeHdr(suite.diskBlock(logstart))
	suite.Require().NoError(err)
	suite.Empty(h.blocks, "log header should be cleared")
}

func TestWal(t *testing.T) {
	suite.Run(t, new(WalSuite))
}

func (suite *WalSuite) TestCommitInstalls() {
	suite.l.Begin()
	suite.write(dataBase, 'A')
	suite.write(dataBase+1, 'B')
	suite.write(dataBase+2, 'C')
	suite.checkDisk(dataBase, 0)
	suite.l.End()

	suite.checkDisk(dataBase, 'A')
	suite.checkDisk(dataBase+1, 'B')
	suite.checkDisk(dataBase+2, 'C')
	suite.checkEmptyHeader()
	suite.Equal(Stats{Commits: 1, CommittedBlocks: 3}, suite.l.Stats())

	for _, id := range suite.bc.Resident() {
		suite.Equal(uint64(0), id.Refcnt, "block %d still referenced", id.Blkno)
	}
}

func (suite *WalSuite) TestEmptyTransaction() {
	suite.l.Begin()
	suite.l.End()
	suite.Equal(uint64(0), suite.l.Stats().Commits)
	suite.Equal(uint64(0), suite.d.Writes())
}

func (suite *WalSuite) TestAbsorption() {
	suite.l.Begin()
	suite.write(dataBase, 1)
	suite.write(dataBase, 2)
	suite.write(dataBase, 3)
	suite.l.End()

	suite.checkDisk(dataBase, 3)
	suite.Equal(uint64(1), suite.l.Stats().CommittedBlocks)
	for _, id := range suite.bc.Resident() {
		suite.Equal(uint64(0), id.Refcnt, "absorbed writes pin once")
	}
}

func (suite *WalSuite) TestGroupCommit() {
	suite.l.Begin()
	suite.l.Begin()
	suite.write(dataBase, 'x')
	suite.l.End()
	suite.checkDisk(dataBase, 0)
	suite.Equal(uint64(0), suite.l.Stats().Commits,
		"commit must wait for the last outstanding operation")

	suite.write(dataBase+1, 'y')
	suite.l.End()
	suite.checkDisk(dataBase, 'x')
	suite.checkDisk(dataBase+1, 'y')
	suite.Equal(uint64(1), suite.l.Stats().Commits)
}

func (suite *WalSuite) TestCrashAfterCommitPoint() {
	suite.l.Begin()
	suite.write(dataBase, 'A')
	suite.write(dataBase+1, 'B')
	// two slot writes, then the header; the installs are lost
	suite.d.CrashAfter(3)
	suite.l.End()
	suite.checkDisk(dataBase, 0)
	suite.True(suite.d.Crashed())
	pending, err := PendingBlocks(suite.mem, logstart)
	suite.Require().NoError(err)
	suite.Equal([]common.Bnum{dataBase, dataBase + 1}, pending)

	l := suite.restart()
	suite.checkDisk(dataBase, 'A')
	suite.checkDisk(dataBase+1, 'B')
	suite.checkEmptyHeader()
	suite.Equal(uint64(2), l.Stats().RecoveredBlocks)

	// recovering again finds nothing to do
	l = suite.restart()
	suite.Equal(uint64(0), l.Stats().RecoveredBlocks)
	suite.checkDisk(dataBase, 'A')
}

func (suite *WalSuite) TestCrashBeforeCommitPoint() {
	suite.l.Begin()
	suite.write(dataBase, 'A')
	suite.l.End()

	suite.l.Begin()
	suite.write(dataBase, 'X')
	suite.write(dataBase+1, 'Y')
	suite.d.CrashAfter(2) // the slots reach the log, the header does not
	suite.l.End()

	l := suite.restart()
	suite.Equal(uint64(0), l.Stats().RecoveredBlocks)
	suite.checkDisk(dataBase, 'A')
	suite.checkDisk(dataBase+1, 0)
}

func (suite *WalSuite) TestCrashDuringInstall() {
	suite.l.Begin()
	suite.write(dataBase, 'A')
	suite.write(dataBase+1, 'B')
	suite.write(dataBase+2, 'C')
	suite.d.CrashAfter(5) // header plus one install
	suite.l.End()
	suite.checkDisk(dataBase, 'A')
	suite.checkDisk(dataBase+1, 0)

	suite.restart()
	suite.checkDisk(dataBase, 'A')
	suite.checkDisk(dataBase+1, 'B')
	suite.checkDisk(dataBase+2, 'C')
}

func (suite *WalSuite) TestOperationsAfterRecovery() {
	suite.l.Begin()
	suite.write(dataBase, 1)
	suite.d.CrashAfter(2)
	suite.l.End()

	l := suite.restart()
	l.Begin()
	suite.write(dataBase, 2)
	l.End()
	suite.checkDisk(dataBase, 2)
}

func (suite *WalSuite) TestAdmission() {
	// 6 slots; two operations of up to 3 blocks fit, a third must wait
	l := suite.mkLog(7, 3)
	suite.l = l
	suite.Equal(uint64(6), l.Capacity())
	l.Begin()
	l.Begin()

	admitted := make(chan struct{})
	go func() {
		l.Begin()
		close(admitted)
	}()
	select {
	case <-admitted:
		suite.Fail("third operation admitted without space")
	case <-time.After(50 * time.Millisecond):
	}

	l.End()
	suite.Eventually(func() bool {
		select {
		case <-admitted:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	suite.Equal(uint64(1), l.Stats().AdmissionWaits)
	suite.Equal(uint64(2), l.Outstanding())
	l.End()
	l.End()
}

func (suite *WalSuite) TestConcurrentOperations() {
	const nthread = 8
	const niter = 30

	l := suite.l
	var overbooked atomic.Uint64
	l.admitted = func(st *LogState) {
		// every admitted operation's worst case fits next to what is logged
		if uint64(len(st.lh.blocks))+st.outstanding*l.maxOpBlocks > l.size {
			overbooked.Add(1)
		}
	}
	done := make(chan struct{})
	sampled := make(chan error, 1)
	go func() {
		for {
			select {
			case <-done:
				sampled <- nil
				return
			default:
			}
			logged, outstanding := l.reservation()
			if logged > l.size || outstanding*l.maxOpBlocks > l.size {
				sampled <- fmt.Errorf("%d logged, %d outstanding in a log of %d",
					logged, outstanding, l.size)
				return
			}
		}
	}()

	var g errgroup.Group
	for i := 0; i < nthread; i++ {
		bn := dataBase + common.Bnum(2*i)
		g.Go(func() error {
			for j := 1; j <= niter; j++ {
				suite.l.Begin()
				suite.write(bn, byte(j))
				suite.write(bn+1, byte(j))
				suite.l.End()
			}
			return nil
		})
	}
	suite.Require().NoError(g.Wait())
	close(done)
	suite.NoError(<-sampled)
	suite.Equal(uint64(0), overbooked.Load())

	for i := 0; i < nthread; i++ {
		suite.checkDisk(dataBase+common.Bnum(2*i), niter)
		suite.checkDisk(dataBase+common.Bnum(2*i)+1, niter)
	}
	st := suite.l.Stats()
	suite.GreaterOrEqual(st.Commits, uint64(1))
	suite.LessOrEqual(st.CommittedBlocks, uint64(nthread*niter*2))
	suite.checkEmptyHeader()
}

func (suite *WalSuite) TestWriteOutsideTransaction() {
	b := suite.bc.Acquire(dev, dataBase)
	suite.PanicsWithValue("log_write outside of trans", func() { suite.l.Write(b) })
	suite.bc.Release(b)
}

func (suite *WalSuite) TestEndWithoutBegin() {
	suite.PanicsWithValue("end_op: no outstanding operation", func() { suite.l.End() })
}

func (suite *WalSuite) TestTransactionTooBig() {
	l := suite.mkLog(4, 3)
	suite.l = l
	l.Begin()
	for bn := dataBase; bn < dataBase+3; bn++ {
		suite.write(bn, 1)
	}
	b := suite.bc.Acquire(dev, dataBase+3)
	suite.PanicsWithValue("too big a transaction", func() { l.Write(b) })
	suite.bc.Release(b)
}

func TestMkLogBadGeometry(t *testing.T) {
	bc := bcache.MkCache(2, 2)
	bc.Attach(dev, disk.NewMemDisk(100))
	assert.Panics(t, func() { MkLog(bc, dev, logstart, 1, 1) })
	assert.Panics(t, func() { MkLog(bc, dev, logstart, 4, 4) })
	assert.Panics(t, func() { MkLog(bc, dev, logstart, 4, 0) })
}

func TestCapacityBoundedByHeader(t *testing.T) {
	bc := bcache.MkCache(2, 2)
	bc.Attach(dev, disk.NewMemDisk(2000))
	l := MkLog(bc, dev, logstart, LOGSZ+100, 10)
	assert.Equal(t, uint64(LOGSZ), l.Capacity())
	assert.Equal(t, uint64(10), l.MaxOpBlocks())
}

func TestHeaderEncoding(t *testing.T) {
	h := &hdr{blocks: []common.Bnum{7, 9, 1 << 40}}
	h2, err := decodeHdr(h.encode())
	require.NoError(t, err)
	assert.Equal(t, h.blocks, h2.blocks)

	bad := (&hdr{}).encode()
	bad[0] = 0xff
	bad[7] = 0xff
	_, err = decodeHdr(bad)
	assert.Error(t, err)
}

func TestBufferSizing(t *testing.T) {
	assert.Equal(t, uint64(0), LogCapacity(1))
	assert.Equal(t, uint64(30), LogCapacity(31))
	assert.Equal(t, uint64(LOGSZ), LogCapacity(LOGSZ+5))

	assert.NoError(t, CheckBuffers(32, 30))
	assert.Error(t, CheckBuffers(31, 30))
}
