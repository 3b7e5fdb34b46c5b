package jrnl_test

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/disk"
	"github.com/wangdi7670/MIT6.1810/jrnl"
)

const nlog = common.LOGSIZE + 1

func data(seed int64) []byte {
	d := make([]byte, disk.BlockSize)
	rand.New(rand.NewSource(seed)).Read(d)
	return d
}

func mkfs(t *testing.T, d disk.Disk) *jrnl.Journal {
	t.Helper()
	_, err := jrnl.Mkfs(d, nlog)
	require.NoError(t, err)
	return mount(t, d)
}

func mount(t *testing.T, d disk.Disk) *jrnl.Journal {
	t.Helper()
	j, err := jrnl.Mount(d, common.ROOTDEV, jrnl.DefaultConfig())
	require.NoError(t, err)
	return j
}

func writeBlock(j *jrnl.Journal, bn common.Bnum, v []byte) {
	op := jrnl.Begin(j)
	b := op.ReadBlock(bn)
	copy(b.Data(), v)
	op.Write(b)
	op.Release(b)
	op.Commit()
}

func readBlock(j *jrnl.Journal, bn common.Bnum) []byte {
	op := jrnl.Begin(j)
	b := op.ReadBlock(bn)
	v := append([]byte(nil), b.Data()...)
	op.Release(b)
	op.Commit()
	return v
}

func TestWriteRead(t *testing.T) {
	d := disk.NewMemDisk(500)
	j := mkfs(t, d)
	base := j.Super.DataStart()

	writeBlock(j, base, data(1))
	writeBlock(j, base+1, data(2))
	assert.Equal(t, data(1), readBlock(j, base))

	blk, err := d.Read(base + 1)
	require.NoError(t, err)
	assert.Equal(t, data(2), blk, "a committed operation is on disk")

	j2 := mount(t, d)
	assert.Equal(t, data(1), readBlock(j2, base))
	assert.NotEqual(t, j.ID, j2.ID)
}

func TestMultiBlockAtomicity(t *testing.T) {
	mem := disk.NewMemDisk(500)
	fd := disk.NewFaultDisk(mem)
	j := mkfs(t, fd)
	base := j.Super.DataStart()

	for _, crashAfter := range []uint64{0, 1, 2, 3, 4, 5} {
		writeBlock(j, base, data(0))
		writeBlock(j, base+1, data(0))

		op := jrnl.Begin(j)
		for i := common.Bnum(0); i < 2; i++ {
			b := op.ReadBlock(base + i)
			copy(b.Data(), data(int64(crashAfter+1)))
			op.Write(b)
			op.Release(b)
		}
		fd.CrashAfter(crashAfter)
		op.Commit()

		j = mount(t, mem)
		b0, b1 := readBlock(j, base), readBlock(j, base+1)
		assert.Equal(t, b0, b1, "crash after %d writes tore the operation", crashAfter)
		if crashAfter >= 3 {
			assert.Equal(t, data(int64(crashAfter+1)), b0,
				"crash after the header write must keep the operation")
		} else {
			assert.Equal(t, data(0), b0)
		}

		fd = disk.NewFaultDisk(mem)
		j = mount(t, fd)
	}
}

func TestConcurrentOperations(t *testing.T) {
	d := disk.NewMemDisk(500)
	j := mkfs(t, d)
	base := j.Super.DataStart()
	const nthread = 16

	var g errgroup.Group
	for i := 0; i < nthread; i++ {
		bn := base + common.Bnum(2*i)
		seed := int64(i)
		g.Go(func() error {
			op := jrnl.Begin(j)
			for k := common.Bnum(0); k < 2; k++ {
				b := op.ReadBlock(bn + k)
				copy(b.Data(), data(seed))
				op.Write(b)
				op.Release(b)
			}
			op.Commit()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	j2 := mount(t, d)
	for i := 0; i < nthread; i++ {
		bn := base + common.Bnum(2*i)
		assert.Equal(t, data(int64(i)), readBlock(j2, bn), "block %d", bn)
		assert.Equal(t, data(int64(i)), readBlock(j2, bn+1), "block %d", bn+1)
	}
}

func TestOperationFootprint(t *testing.T) {
	j := mkfs(t, disk.NewMemDisk(500))
	base := j.Super.DataStart()
	op := jrnl.Begin(j)
	for i := common.Bnum(0); i < common.MAXOPBLOCKS; i++ {
		b := op.ReadBlock(base + i)
		op.Write(b)
		op.Write(b) // rewriting a block costs nothing
		op.Release(b)
	}
	assert.Equal(t, common.MAXOPBLOCKS, op.NDirty())

	b := op.ReadBlock(base + common.MAXOPBLOCKS)
	assert.Panics(t, func() { op.Write(b) })
}

func TestOpMisuse(t *testing.T) {
	j := mkfs(t, disk.NewMemDisk(500))
	base := j.Super.DataStart()

	op := jrnl.Begin(j)
	assert.Panics(t, func() { op.ReadBlock(j.Super.LogStart) }, "log blocks are off limits")
	assert.Panics(t, func() { op.ReadBlock(j.Super.Size) })
	b := op.ReadBlock(base)
	assert.Panics(t, func() { op.Commit() }, "commit with a held buffer")
	op.Release(b)
	op.Commit()
	assert.Panics(t, func() { op.ReadBlock(base) })
	assert.Panics(t, func() { op.Commit() })
}

func TestMountErrors(t *testing.T) {
	d := disk.NewMemDisk(500)
	_, err := jrnl.Mount(d, common.ROOTDEV, jrnl.DefaultConfig())
	assert.ErrorContains(t, err, "bad magic")

	_, err = jrnl.Mkfs(d, nlog)
	require.NoError(t, err)
	cfg := jrnl.DefaultConfig()
	cfg.Buckets, cfg.BucketSize = 2, 2
	_, err = jrnl.Mount(d, common.ROOTDEV, cfg)
	assert.Error(t, err)

	cfg = jrnl.DefaultConfig()
	cfg.MaxOpBlocks = nlog
	_, err = jrnl.Mount(d, common.ROOTDEV, cfg)
	assert.Error(t, err)

	_, err = jrnl.Mkfs(disk.NewMemDisk(10), nlog)
	assert.Error(t, err, "log larger than the disk")
}

func TestMetricsRegistered(t *testing.T) {
	d := disk.NewMemDisk(500)
	_, err := jrnl.Mkfs(d, nlog)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	cfg := jrnl.DefaultConfig()
	cfg.Registerer = reg
	j, err := jrnl.Mount(d, common.ROOTDEV, cfg)
	require.NoError(t, err)
	writeBlock(j, j.Super.DataStart(), data(1))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["bio_wal_commits_total"])
	assert.True(t, names["bio_bcache_misses_total"])
	assert.Equal(t, uint64(1), j.Log.Stats().Commits)
}
