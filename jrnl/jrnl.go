// Package jrnl is the top-level journal API.
//
// Mount opens a disk image formatted by Mkfs, replaying any transaction the
// log committed before a crash. The caller then runs operations: Begin
// starts one, ReadBlock returns a locked buffer, Write logs a modified
// buffer in place of writing it, Release gives the buffer back and Commit
// ends the operation. The writes of an operation reach the disk atomically,
// together with those of every operation concurrent with it.
//
// An operation declares its footprint up front through the mount's
// MaxOpBlocks: writing more distinct blocks than that is a programming
// error and panics, since the log reserved only that much space for it.
package jrnl

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wangdi7670/MIT6.1810/bcache"
	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/disk"
	"github.com/wangdi7670/MIT6.1810/super"
	"github.com/wangdi7670/MIT6.1810/util"
	"github.com/wangdi7670/MIT6.1810/wal"
)

type Config struct {
	Buckets     uint64
	BucketSize  uint64
	MaxOpBlocks uint64

	// Registerer receives the cache and log collectors; nil skips export.
	Registerer prometheus.Registerer
}

func DefaultConfig() Config {
	return Config{
		Buckets:     common.NBUCKET,
		BucketSize:  common.BUCKETSZ,
		MaxOpBlocks: common.MAXOPBLOCKS,
	}
}

type Journal struct {
	ID    uuid.UUID
	Super *super.FsSuper
	Cache *bcache.Cache
	Log   *wal.Log

	dev common.Dev
	l   *zap.Logger
}

// Mkfs formats d with an nlog-block log, an empty log header and a bitmap
// in which only the metadata blocks are in use.
func Mkfs(d disk.Disk, nlog uint64) (*super.FsSuper, error) {
	sz, err := d.Size()
	if err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	fs := super.MkFsSuper(sz, nlog)
	if err := fs.Check(); err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	if err := d.Write(fs.LogStart, make(disk.Block, disk.BlockSize)); err != nil {
		return nil, fmt.Errorf("mkfs: clear log header: %w", err)
	}
	if err := fs.InitBitmap(d); err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	if err := fs.Write(d); err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	return fs, nil
}

// Mount reads the superblock of d, attaches d to a new buffer cache as dev
// and opens its log, which recovers.
func Mount(d disk.Disk, dev common.Dev, cfg Config) (*Journal, error) {
	fs, err := super.ReadFsSuper(d)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	if cfg.MaxOpBlocks == 0 {
		cfg.MaxOpBlocks = common.MAXOPBLOCKS
	}
	capacity := wal.LogCapacity(fs.NLog)
	if cfg.MaxOpBlocks > capacity {
		return nil, fmt.Errorf("mount: operations of %d blocks do not fit a log of %d",
			cfg.MaxOpBlocks, capacity)
	}
	if err := wal.CheckBuffers(cfg.Buckets*cfg.BucketSize, capacity); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	id := uuid.New()
	j := &Journal{
		ID:    id,
		Super: fs,
		Cache: bcache.MkCache(cfg.Buckets, cfg.BucketSize),
		dev:   dev,
		l:     zap.L().With(zap.String("mount", id.String())),
	}
	j.Cache.Attach(dev, d)
	j.Log = wal.MkLog(j.Cache, dev, fs.LogStart, fs.NLog, cfg.MaxOpBlocks)
	if cfg.Registerer != nil {
		if err := j.Cache.Register(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("mount: register cache metrics: %w", err)
		}
		if err := j.Log.Register(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("mount: register log metrics: %w", err)
		}
	}
	j.l.Info("mounted",
		zap.Uint32("dev", uint32(dev)),
		zap.Uint64("size", fs.Size),
		zap.Uint64("nlog", fs.NLog),
		zap.Uint64("capacity", j.Log.Capacity()),
		zap.Uint64("nbuf", j.Cache.NBuf()),
		zap.Uint64("recovered", j.Log.Stats().RecoveredBlocks))
	return j, nil
}

func (j *Journal) Dev() common.Dev {
	return j.dev
}

func (j *Journal) Logger() *zap.Logger {
	return j.l
}

// Op is an in-progress journal operation.
type Op struct {
	j       *Journal
	held    map[common.Bnum]*bcache.Buf
	written map[common.Bnum]bool
	done    bool
}

// Begin starts an operation, waiting for log space.
func Begin(j *Journal) *Op {
	j.Log.Begin()
	op := &Op{
		j:       j,
		held:    make(map[common.Bnum]*bcache.Buf),
		written: make(map[common.Bnum]bool),
	}
	util.DPrintf(3, "Begin: %p\n", op)
	return op
}

func (op *Op) live(what string) {
	if op.done {
		panic(fmt.Sprintf("%s: operation already committed", what))
	}
}

// ReadBlock returns the locked buffer for block blkno, which must lie past
// the log.
func (op *Op) ReadBlock(blkno common.Bnum) *bcache.Buf {
	op.live("ReadBlock")
	if blkno < op.j.Super.BmapStart() || blkno >= op.j.Super.Size {
		panic(fmt.Sprintf("ReadBlock: %d outside [%d, %d)",
			blkno, op.j.Super.BmapStart(), op.j.Super.Size))
	}
	if _, ok := op.held[blkno]; ok {
		panic(fmt.Sprintf("ReadBlock: %d already held", blkno))
	}
	b := op.j.Cache.Acquire(op.j.dev, blkno)
	op.held[blkno] = b
	return b
}

// Write logs b's current contents as part of this operation.
func (op *Op) Write(b *bcache.Buf) {
	op.live("Write")
	if op.held[b.Blkno()] != b {
		panic(fmt.Sprintf("Write: block %d not held by operation", b.Blkno()))
	}
	if !op.written[b.Blkno()] {
		if uint64(len(op.written)) >= op.j.Log.MaxOpBlocks() {
			panic(fmt.Sprintf("Write: operation exceeds %d blocks",
				op.j.Log.MaxOpBlocks()))
		}
		op.written[b.Blkno()] = true
	}
	b.SetDirty()
	op.j.Log.Write(b)
}

func (op *Op) Release(b *bcache.Buf) {
	op.live("Release")
	delete(op.held, b.Blkno())
	op.j.Cache.Release(b)
}

// NDirty is the number of distinct blocks the operation has written.
func (op *Op) NDirty() uint64 {
	return uint64(len(op.written))
}

// Commit ends the operation. Its writes are durable once the last
// concurrent operation has committed too; a lone operation is durable when
// Commit returns.
func (op *Op) Commit() {
	op.live("Commit")
	if len(op.held) != 0 {
		panic(fmt.Sprintf("Commit: %d buffers still held", len(op.held)))
	}
	op.done = true
	util.DPrintf(3, "Commit %p: %d blocks\n", op, len(op.written))
	op.j.Log.End()
}
