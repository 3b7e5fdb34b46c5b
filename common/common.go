package common

import (
	"github.com/wangdi7670/MIT6.1810/disk"
)

type Bnum = uint64

// Dev names a block device attached to the buffer cache.
type Dev uint32

const (
	NULLBNUM Bnum = 0
	ROOTDEV  Dev  = 1
)

const (
	HDRMETA  = uint64(8) // space for the transaction length
	HDRADDRS = (disk.BlockSize - HDRMETA) / 8
)

const (
	MAXOPBLOCKS uint64 = 10              // max # of blocks any operation writes
	LOGSIZE     uint64 = MAXOPBLOCKS * 3 // max data blocks in on-disk log
	NBUCKET     uint64 = 13              // buffer cache hash buckets
	BUCKETSZ    uint64 = 4               // buffers per bucket at boot
)
