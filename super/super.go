// Package super describes the layout of a disk image.
//
// Disk layout:
//
//	[ boot | super | log header | log slots ... | bitmap ... | data ... ]
//	  0      1       2
//
// The bitmap has one bit per block of the image, set for blocks in use.
// Everything before the first data block is marked in use at format time.
package super

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/disk"
	"github.com/wangdi7670/MIT6.1810/util"
)

const (
	FSMAGIC  uint64      = 0x10203040
	SUPERBLK common.Bnum = 1
	LOGSTART common.Bnum = 2

	NBITBLOCK uint64 = disk.BlockSize * 8 // bits per bitmap block
)

type FsSuper struct {
	Magic    uint64
	Size     uint64 // size of the image in blocks
	NLog     uint64 // blocks in the log, header included
	LogStart common.Bnum
	NBitmap  uint64 // bitmap blocks
}

func MkFsSuper(size uint64, nlog uint64) *FsSuper {
	return &FsSuper{
		Magic:    FSMAGIC,
		Size:     size,
		NLog:     nlog,
		LogStart: LOGSTART,
		NBitmap:  util.RoundUp(size, NBITBLOCK),
	}
}

// BmapStart is the first block after the log.
func (fs *FsSuper) BmapStart() common.Bnum {
	return fs.LogStart + fs.NLog
}

func (fs *FsSuper) DataStart() common.Bnum {
	return fs.BmapStart() + fs.NBitmap
}

func (fs *FsSuper) Check() error {
	if fs.Magic != FSMAGIC {
		return fmt.Errorf("bad magic %#x", fs.Magic)
	}
	if fs.NLog < 2 {
		return fmt.Errorf("log of %d blocks too small", fs.NLog)
	}
	if util.SumOverflows(fs.LogStart, fs.NLog) ||
		util.SumOverflows(fs.BmapStart(), fs.NBitmap) {
		return fmt.Errorf("layout overflows: log %d+%d, bitmap %d",
			fs.LogStart, fs.NLog, fs.NBitmap)
	}
	if fs.NBitmap < util.RoundUp(fs.Size, NBITBLOCK) {
		return fmt.Errorf("bitmap of %d blocks cannot map %d blocks",
			fs.NBitmap, fs.Size)
	}
	if fs.DataStart() >= fs.Size {
		return fmt.Errorf("metadata ends at block %d past image size %d",
			fs.DataStart(), fs.Size)
	}
	return nil
}

func (fs *FsSuper) encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(fs.Magic)
	enc.PutInt(fs.Size)
	enc.PutInt(fs.NLog)
	enc.PutInt(fs.LogStart)
	enc.PutInt(fs.NBitmap)
	return enc.Finish()
}

// InitBitmap writes the bitmap with every metadata block marked in use.
func (fs *FsSuper) InitBitmap(d disk.Disk) error {
	for i := uint64(0); i < fs.NBitmap; i++ {
		blk := make(disk.Block, disk.BlockSize)
		for bn := i * NBITBLOCK; bn < (i+1)*NBITBLOCK && bn < fs.DataStart(); bn++ {
			off := bn % NBITBLOCK
			blk[off/8] |= 1 << (off % 8)
		}
		if err := d.Write(fs.BmapStart()+i, blk); err != nil {
			return fmt.Errorf("write bitmap block %d: %w", i, err)
		}
	}
	return nil
}

// Write stores the superblock on d.
func (fs *FsSuper) Write(d disk.Disk) error {
	if err := d.Write(SUPERBLK, fs.encode()); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return d.Barrier()
}

func ReadFsSuper(d disk.Disk) (*FsSuper, error) {
	blk, err := d.Read(SUPERBLK)
	if err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	dec := marshal.NewDec(blk)
	fs := &FsSuper{
		Magic:    dec.GetInt(),
		Size:     dec.GetInt(),
		NLog:     dec.GetInt(),
		LogStart: dec.GetInt(),
		NBitmap:  dec.GetInt(),
	}
	if err := fs.Check(); err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}
	return fs, nil
}
