package disk

import "sync"

// FaultDisk wraps a Disk and simulates a crash: once its write budget is
// used up, every further Write is acknowledged but never reaches the
// underlying disk. Reads always see the underlying disk, so reopening the
// wrapped Disk after a "crash" shows exactly what was persisted.
type FaultDisk struct {
	Disk

	mu      sync.Mutex
	budget  int64 // remaining writes before the crash; -1 means unlimited
	writes  uint64
	dropped uint64
}

func NewFaultDisk(d Disk) *FaultDisk {
	return &FaultDisk{Disk: d, budget: -1}
}

// CrashAfter lets n more writes through and drops the rest.
func (d *FaultDisk) CrashAfter(n uint64) {
	d.mu.Lock()
	d.budget = int64(n)
	d.mu.Unlock()
}

func (d *FaultDisk) Crashed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.budget == 0
}

// Writes reports the number of writes that reached the underlying disk.
func (d *FaultDisk) Writes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *FaultDisk) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *FaultDisk) Write(a uint64, v Block) error {
	d.mu.Lock()
	if d.budget == 0 {
		d.dropped++
		d.mu.Unlock()
		return nil
	}
	if d.budget > 0 {
		d.budget--
	}
	d.writes++
	d.mu.Unlock()
	return d.Disk.Write(a, v)
}

func (d *FaultDisk) Barrier() error {
	if d.Crashed() {
		return nil
	}
	return d.Disk.Barrier()
}
