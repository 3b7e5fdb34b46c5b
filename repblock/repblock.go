// Package repblock keeps a block replicated on two adjacent disk blocks,
// both updated by a single journal operation.
package repblock

import (
	"sync"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/disk"
	"github.com/wangdi7670/MIT6.1810/jrnl"
	"github.com/wangdi7670/MIT6.1810/util"
)

type RepBlock struct {
	j *jrnl.Journal

	m  *sync.Mutex
	a0 common.Bnum
	a1 common.Bnum
}

func Open(j *jrnl.Journal, a common.Bnum) *RepBlock {
	return &RepBlock{
		j:  j,
		m:  new(sync.Mutex),
		a0: a,
		a1: a + 1,
	}
}

func (rb *RepBlock) Read() disk.Block {
	rb.m.Lock()
	op := jrnl.Begin(rb.j)
	buf := op.ReadBlock(rb.a0)
	b := util.CloneByteSlice(buf.Data())
	op.Release(buf)
	op.Commit()
	rb.m.Unlock()
	return b
}

// Write replaces both copies with b.
func (rb *RepBlock) Write(b disk.Block) {
	rb.m.Lock()
	op := jrnl.Begin(rb.j)
	for _, a := range []common.Bnum{rb.a0, rb.a1} {
		buf := op.ReadBlock(a)
		copy(buf.Data(), b)
		op.Write(buf)
		op.Release(buf)
	}
	op.Commit()
	rb.m.Unlock()
}

// Check reports whether the two copies agree.
func (rb *RepBlock) Check() bool {
	rb.m.Lock()
	defer rb.m.Unlock()
	op := jrnl.Begin(rb.j)
	b0 := op.ReadBlock(rb.a0)
	b1 := op.ReadBlock(rb.a1)
	same := string(b0.Data()) == string(b1.Data())
	op.Release(b0)
	op.Release(b1)
	op.Commit()
	return same
}
