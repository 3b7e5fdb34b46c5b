package wal

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/disk"
)

// hdr is the contents of the header block, used both for the on-disk
// header and to track logged block numbers in memory before commit.
type hdr struct {
	blocks []common.Bnum
}

func (h *hdr) encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(uint64(len(h.blocks)))
	enc.PutInts(h.blocks)
	return enc.Finish()
}

func decodeHdr(blk disk.Block) (*hdr, error) {
	dec := marshal.NewDec(blk)
	n := dec.GetInt()
	if n > LOGSZ {
		return nil, fmt.Errorf("log header lists %d blocks, max %d", n, LOGSZ)
	}
	return &hdr{blocks: dec.GetInts(n)}, nil
}

// Read the log header from disk.
func (l *Log) readHead() *hdr {
	b := l.bc.Acquire(l.dev, l.start)
	h, err := decodeHdr(b.Data())
	l.bc.Release(b)
	if err != nil {
		panic(fmt.Errorf("recover: %w", err))
	}
	if uint64(len(h.blocks)) > l.size {
		panic(fmt.Errorf("recover: header lists %d blocks, log holds %d",
			len(h.blocks), l.size))
	}
	return h
}

// Write h to the on-disk header. With blocks listed, this is the true
// point at which the transaction commits.
func (l *Log) writeHead(h *hdr) {
	b := l.bc.Acquire(l.dev, l.start)
	copy(b.Data(), h.encode())
	l.bc.Flush(b)
	l.bc.Release(b)
	l.bc.Barrier(l.dev)
}

// PendingBlocks reads the log header at logstart straight from d and
// returns the home block numbers of a transaction that committed but has
// not been cleared from the log.
func PendingBlocks(d disk.Disk, logstart common.Bnum) ([]common.Bnum, error) {
	blk, err := d.Read(logstart)
	if err != nil {
		return nil, fmt.Errorf("read log header: %w", err)
	}
	h, err := decodeHdr(blk)
	if err != nil {
		return nil, err
	}
	return h.blocks, nil
}
