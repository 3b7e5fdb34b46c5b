// Package bcache is the buffer cache.
//
// The cache is a fixed pool of block buffers. Caching disk blocks in memory
// reduces the number of disk reads and also provides a synchronization point
// for disk blocks used by multiple threads: only one holder at a time may use
// a buffer, so do not keep them longer than necessary.
//
// The pool is split into buckets keyed by block number. Each bucket has its
// own lock and its own recency list, threaded through the pool by array index.
// A miss first recycles an unused buffer of the block's own bucket and
// otherwise steals one from another bucket. Stealing holds two bucket locks at
// once, and they are always acquired lowest bucket index first.
//
// Interface:
//   - Acquire returns a locked buffer holding the block's contents.
//   - After changing buffer data, call Flush to write it to disk (or log it
//     through the wal package).
//   - When done with the buffer, call Release. Do not use the Buf after that.
package bcache

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tchajed/marshal"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/disk"
	"github.com/wangdi7670/MIT6.1810/metrics"
	"github.com/wangdi7670/MIT6.1810/sleeplock"
	"github.com/wangdi7670/MIT6.1810/util"
)

const null = -1

// slot is one element of the arena. The first nbuf slots are buffers; the
// remaining ones are per-bucket list sentinels that never hold a block.
type slot struct {
	// protected by the lock of the bucket the slot is linked into
	used   bool // has ever held a block
	dev    common.Dev
	blkno  common.Bnum
	refcnt uint64
	prev   int
	next   int

	// protected by lock
	valid bool
	dirty bool
	data  disk.Block

	lock *sleeplock.Lock
}

type bucket struct {
	mu   *sync.Mutex
	head int // index of the sentinel slot
}

type Cache struct {
	slots   []slot
	nbuf    uint64
	buckets []bucket

	devmu *sync.RWMutex
	devs  map[common.Dev]disk.Disk

	m *metrics.Cache
}

// MkCache allocates nbucket*bucketsz buffers, bucketsz per bucket.
func MkCache(nbucket uint64, bucketsz uint64) *Cache {
	if nbucket == 0 || bucketsz == 0 {
		panic("MkCache: empty cache")
	}
	nbuf := nbucket * bucketsz
	c := &Cache{
		slots:   make([]slot, nbuf+nbucket),
		nbuf:    nbuf,
		buckets: make([]bucket, nbucket),
		devmu:   new(sync.RWMutex),
		devs:    make(map[common.Dev]disk.Disk),
		m:       metrics.NewCache(),
	}
	for h := range c.buckets {
		head := int(nbuf) + h
		c.slots[head].prev = head
		c.slots[head].next = head
		c.buckets[h] = bucket{mu: new(sync.Mutex), head: head}
	}
	for i := 0; i < int(nbuf); i++ {
		s := &c.slots[i]
		s.lock = sleeplock.MkLock("buffer")
		s.data = make(disk.Block, disk.BlockSize)
		c.pushFront(c.buckets[uint64(i)/bucketsz].head, i)
	}
	util.DPrintf(1, "MkCache: %d buckets, %d buffers\n", nbucket, nbuf)
	return c
}

// Register exports the cache's metrics on reg.
func (c *Cache) Register(reg prometheus.Registerer) error {
	return c.m.Register(reg)
}

// Attach makes d the device behind dev.
func (c *Cache) Attach(dev common.Dev, d disk.Disk) {
	c.devmu.Lock()
	c.devs[dev] = d
	c.devmu.Unlock()
}

func (c *Cache) device(dev common.Dev) disk.Disk {
	c.devmu.RLock()
	d, ok := c.devs[dev]
	c.devmu.RUnlock()
	if !ok {
		panic(fmt.Errorf("bget: no device %d", dev))
	}
	return d
}

func (c *Cache) NBuf() uint64 {
	return c.nbuf
}

func (c *Cache) bucketOf(blkno common.Bnum) int {
	return int(blkno % uint64(len(c.buckets)))
}

//
// Recency lists. The caller holds the lock of every bucket whose list is
// touched. The most recently used buffer is at head.next.
//

func (c *Cache) unlink(i int) {
	s := &c.slots[i]
	c.slots[s.prev].next = s.next
	c.slots[s.next].prev = s.prev
	s.prev = null
	s.next = null
}

func (c *Cache) pushFront(head int, i int) {
	s := &c.slots[i]
	s.next = c.slots[head].next
	s.prev = head
	c.slots[s.next].prev = i
	c.slots[head].next = i
}

func (c *Cache) lookup(h int, dev common.Dev, blkno common.Bnum) (int, bool) {
	head := c.buckets[h].head
	for i := c.slots[head].next; i != head; i = c.slots[i].next {
		s := &c.slots[i]
		if s.used && s.dev == dev && s.blkno == blkno {
			return i, true
		}
	}
	return null, false
}

// victim finds the least recently used buffer of bucket h that nobody
// references.
func (c *Cache) victim(h int) (int, bool) {
	head := c.buckets[h].head
	for i := c.slots[head].prev; i != head; i = c.slots[i].prev {
		if c.slots[i].refcnt == 0 {
			return i, true
		}
	}
	return null, false
}

// assign gives slot i a new identity. Assumes refcnt == 0, so nobody holds
// or waits for its content lock.
func (c *Cache) assign(i int, dev common.Dev, blkno common.Bnum) {
	s := &c.slots[i]
	if s.refcnt != 0 {
		panic("bget: recycling referenced buffer")
	}
	if s.used && s.dirty {
		util.DPrintf(1, "bget: discard unlogged write to %d/%d\n", s.dev, s.blkno)
		c.m.Discards.Inc()
	}
	s.used = true
	s.dev = dev
	s.blkno = blkno
	s.valid = false
	s.dirty = false
	s.refcnt = 1
	c.m.Misses.Inc()
}

// lock2 locks buckets a and b, lower index first.
func (c *Cache) lock2(a int, b int) {
	if a > b {
		a, b = b, a
	}
	c.buckets[a].mu.Lock()
	c.buckets[b].mu.Lock()
}

func (c *Cache) unlock2(a int, b int) {
	c.buckets[a].mu.Unlock()
	c.buckets[b].mu.Unlock()
}

// get returns the slot for (dev, blkno) with its refcnt raised but its
// content lock not yet taken.
func (c *Cache) get(dev common.Dev, blkno common.Bnum) int {
	h := c.bucketOf(blkno)
	hb := &c.buckets[h]

	hb.mu.Lock()
	if i, ok := c.lookup(h, dev, blkno); ok {
		c.slots[i].refcnt += 1
		hb.mu.Unlock()
		c.m.Hits.Inc()
		return i
	}
	if i, ok := c.victim(h); ok {
		c.assign(i, dev, blkno)
		c.unlink(i)
		c.pushFront(hb.head, i)
		hb.mu.Unlock()
		return i
	}
	hb.mu.Unlock()

	// Steal from another bucket. h's lock was dropped so that both locks can
	// be taken in index order; re-check h once both are held, since another
	// thread may have cached the block or freed a buffer in the meantime.
	n := len(c.buckets)
	for off := 1; off < n; off++ {
		v := (h + off) % n
		c.lock2(h, v)
		if i, ok := c.lookup(h, dev, blkno); ok {
			c.slots[i].refcnt += 1
			c.unlock2(h, v)
			c.m.Hits.Inc()
			return i
		}
		if i, ok := c.victim(h); ok {
			c.assign(i, dev, blkno)
			c.unlink(i)
			c.pushFront(hb.head, i)
			c.unlock2(h, v)
			return i
		}
		if i, ok := c.victim(v); ok {
			util.DPrintf(5, "bget: %d steals buffer %d from bucket %d\n", blkno, i, v)
			c.assign(i, dev, blkno)
			c.unlink(i)
			c.pushFront(hb.head, i)
			c.unlock2(h, v)
			c.m.Steals.Inc()
			return i
		}
		c.unlock2(h, v)
	}
	panic("bget: no buffers")
}

// Acquire returns a locked buffer with the contents of the indicated block.
func (c *Cache) Acquire(dev common.Dev, blkno common.Bnum) *Buf {
	d := c.device(dev)
	i := c.get(dev, blkno)
	s := &c.slots[i]
	t := s.lock.Acquire()
	if !s.valid {
		err := d.ReadTo(blkno, s.data)
		if err != nil {
			panic(fmt.Errorf("bread %d/%d: %w", dev, blkno, err))
		}
		s.valid = true
		s.dirty = false
	}
	return &Buf{c: c, i: i, t: t}
}

func (c *Cache) mustHold(b *Buf, op string) *slot {
	s := &c.slots[b.i]
	if !s.lock.Holding(b.t) {
		panic(op)
	}
	return s
}

// Flush writes b's contents to disk. Must be locked.
func (c *Cache) Flush(b *Buf) {
	s := c.mustHold(b, "bwrite")
	err := c.device(s.dev).Write(s.blkno, s.data)
	if err != nil {
		panic(fmt.Errorf("bwrite %d/%d: %w", s.dev, s.blkno, err))
	}
	s.dirty = false
}

// Barrier waits until every write already issued to dev is durable.
func (c *Cache) Barrier(dev common.Dev) {
	err := c.device(dev).Barrier()
	if err != nil {
		panic(fmt.Errorf("barrier %d: %w", dev, err))
	}
}

// Release a locked buffer. When nobody else references it, the buffer moves
// to the most-recently-used end of its bucket and may be recycled.
func (c *Cache) Release(b *Buf) {
	s := c.mustHold(b, "brelse")
	s.lock.Release(b.t)
	b.t = 0

	h := c.bucketOf(s.blkno)
	hb := &c.buckets[h]
	hb.mu.Lock()
	if s.refcnt == 0 {
		hb.mu.Unlock()
		panic("brelse: refcnt")
	}
	s.refcnt -= 1
	if s.refcnt == 0 {
		c.unlink(b.i)
		c.pushFront(hb.head, b.i)
	}
	hb.mu.Unlock()
}

// Pin keeps b's buffer resident without holding its content lock.
func (c *Cache) Pin(b *Buf) {
	s := &c.slots[b.i]
	hb := &c.buckets[c.bucketOf(s.blkno)]
	hb.mu.Lock()
	if s.refcnt == 0 {
		hb.mu.Unlock()
		panic("bpin: unreferenced buffer")
	}
	s.refcnt += 1
	hb.mu.Unlock()
}

// Unpin drops a reference taken by Pin. b need not be held; the pin keeps
// its identity stable. Dropping the last reference makes the buffer
// recyclable, as Release does.
func (c *Cache) Unpin(b *Buf) {
	s := &c.slots[b.i]
	hb := &c.buckets[c.bucketOf(s.blkno)]
	hb.mu.Lock()
	if s.refcnt == 0 {
		hb.mu.Unlock()
		panic("bunpin")
	}
	s.refcnt -= 1
	if s.refcnt == 0 {
		c.unlink(b.i)
		c.pushFront(hb.head, b.i)
	}
	hb.mu.Unlock()
}

// Ident describes the identity a buffer currently holds.
type Ident struct {
	Dev    common.Dev
	Blkno  common.Bnum
	Refcnt uint64
	Bucket int
}

// Resident reports the identity of every buffer that has held a block, for
// checking cache invariants. It locks all buckets in index order.
func (c *Cache) Resident() []Ident {
	for h := range c.buckets {
		c.buckets[h].mu.Lock()
	}
	var ids []Ident
	for h := range c.buckets {
		head := c.buckets[h].head
		for i := c.slots[head].next; i != head; i = c.slots[i].next {
			s := &c.slots[i]
			if s.used {
				ids = append(ids, Ident{Dev: s.dev, Blkno: s.blkno, Refcnt: s.refcnt, Bucket: h})
			}
		}
	}
	for h := range c.buckets {
		c.buckets[h].mu.Unlock()
	}
	return ids
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Steals   uint64
	Discards uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     metrics.Count(c.m.Hits),
		Misses:   metrics.Count(c.m.Misses),
		Steals:   metrics.Count(c.m.Steals),
		Discards: metrics.Count(c.m.Discards),
	}
}

// Buf is one holding of a cached block, returned by Acquire. It is valid
// until passed to Release.
type Buf struct {
	c *Cache
	i int
	t sleeplock.Ticket
}

func (b *Buf) Dev() common.Dev {
	return b.c.slots[b.i].dev
}

func (b *Buf) Blkno() common.Bnum {
	return b.c.slots[b.i].blkno
}

// Data is the block payload; callers may modify it while they hold b.
func (b *Buf) Data() disk.Block {
	return b.c.mustHold(b, "bdata").data
}

func (b *Buf) SetDirty() {
	b.c.mustHold(b, "bdirty").dirty = true
}

func (b *Buf) IsDirty() bool {
	return b.c.mustHold(b, "bdirty").dirty
}

func (b *Buf) BnumGet(off uint64) common.Bnum {
	dec := marshal.NewDec(b.Data()[off : off+8])
	return common.Bnum(dec.GetInt())
}

func (b *Buf) BnumPut(off uint64, v common.Bnum) {
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(v))
	copy(b.Data()[off:off+8], enc.Finish())
	b.SetDirty()
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf{%d/%d}", b.Dev(), b.Blkno())
}
