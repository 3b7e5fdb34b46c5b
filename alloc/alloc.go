// Package alloc allocates disk blocks from the on-disk bitmap. Every change
// to the bitmap is logged through the caller's journal operation, so an
// allocation becomes durable together with the writes that use the block.
package alloc

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/jrnl"
	"github.com/wangdi7670/MIT6.1810/super"
	"github.com/wangdi7670/MIT6.1810/util"
)

// Alloc uses a bit map to allocate and free block numbers. Bit n of the
// map corresponds to block n.
type Alloc struct {
	lock  *sync.Mutex // protects next
	start common.Bnum // first bitmap block
	len   uint64      // bitmap blocks
	max   uint64      // numbers are below max
	next  uint64      // bitmap block to search first
}

func MkAlloc(start common.Bnum, len uint64, max uint64) *Alloc {
	if len*super.NBITBLOCK < max {
		panic("MkAlloc: bitmap too small")
	}
	return &Alloc{
		lock:  new(sync.Mutex),
		start: start,
		len:   len,
		max:   max,
	}
}

// ForJournal covers the data blocks of j's image.
func ForJournal(j *jrnl.Journal) *Alloc {
	fs := j.Super
	return MkAlloc(fs.BmapStart(), fs.NBitmap, fs.Size)
}

func (a *Alloc) hint() uint64 {
	a.lock.Lock()
	n := a.next
	a.lock.Unlock()
	return n
}

func (a *Alloc) setHint(i uint64) {
	a.lock.Lock()
	a.next = i
	a.lock.Unlock()
}

// findFree returns the first clear bit of blk, which maps numbers from
// base, skipping numbers at or above max.
func findFree(blk []byte, base uint64, max uint64) (uint64, bool) {
	for i, byt := range blk {
		if byt == 0xff {
			continue
		}
		bit := uint64(bits.TrailingZeros8(^byt))
		n := base + uint64(i)*8 + bit
		if n >= max {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// AllocNum marks a free block in use within op and returns it. It returns
// NULLBNUM and false when every block is taken. Only the bitmap block that
// changed counts against op's footprint.
func (a *Alloc) AllocNum(op *jrnl.Op) (common.Bnum, bool) {
	first := a.hint()
	for k := uint64(0); k < a.len; k++ {
		i := (first + k) % a.len
		b := op.ReadBlock(a.start + i)
		n, ok := findFree(b.Data(), i*super.NBITBLOCK, a.max)
		if !ok {
			op.Release(b)
			continue
		}
		off := n % super.NBITBLOCK
		b.Data()[off/8] |= 1 << (off % 8)
		op.Write(b)
		op.Release(b)
		a.setHint(i)
		util.DPrintf(5, "AllocNum: %d\n", n)
		return n, true
	}
	return common.NULLBNUM, false
}

// AllocBlock allocates a block and zeroes it, both within op.
func (a *Alloc) AllocBlock(op *jrnl.Op) (common.Bnum, bool) {
	n, ok := a.AllocNum(op)
	if !ok {
		return common.NULLBNUM, false
	}
	b := op.ReadBlock(n)
	clear(b.Data())
	op.Write(b)
	op.Release(b)
	return n, true
}

func (a *Alloc) FreeNum(op *jrnl.Op, n common.Bnum) {
	if n >= a.max {
		panic(fmt.Sprintf("FreeNum: %d out of range", n))
	}
	b := op.ReadBlock(a.start + n/super.NBITBLOCK)
	off := n % super.NBITBLOCK
	mask := byte(1 << (off % 8))
	if b.Data()[off/8]&mask == 0 {
		op.Release(b)
		panic(fmt.Sprintf("freeing free block %d", n))
	}
	b.Data()[off/8] &^= mask
	op.Write(b)
	op.Release(b)
	a.setHint(n / super.NBITBLOCK)
}

func popCnt(b byte) uint64 {
	return uint64(bits.OnesCount8(b))
}

// NumFree counts free blocks as seen by op.
func (a *Alloc) NumFree(op *jrnl.Op) uint64 {
	var used uint64
	for i := uint64(0); i < a.len; i++ {
		b := op.ReadBlock(a.start + i)
		for _, byt := range b.Data() {
			used += popCnt(byt)
		}
		op.Release(b)
	}
	return a.max - used
}
