// Package sleeplock is a long-term lock for processes.
//
// Unlike a sync.Mutex, a Lock tracks its holder: Acquire hands out a ticket
// and only that ticket can release the lock. Holders may keep a sleeplock
// across slow operations such as disk I/O; waiters sleep on a condition
// variable instead of spinning.
package sleeplock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Ticket identifies one holding of a Lock. The zero Ticket is never issued.
type Ticket uint64

var nextTicket uint64

type Lock struct {
	mu      *sync.Mutex
	cond    *sync.Cond
	held    bool
	owner   Ticket
	waiters uint64
	name    string
}

func MkLock(name string) *Lock {
	mu := new(sync.Mutex)
	return &Lock{
		mu:   mu,
		cond: sync.NewCond(mu),
		name: name,
	}
}

// Acquire sleeps until the lock is free, takes it, and returns the ticket of
// the new holding.
func (l *Lock) Acquire() Ticket {
	l.mu.Lock()
	for l.held {
		l.waiters += 1
		l.cond.Wait()
		l.waiters -= 1
	}
	l.held = true
	l.owner = Ticket(atomic.AddUint64(&nextTicket, 1))
	t := l.owner
	l.mu.Unlock()
	return t
}

// Release gives up the holding identified by t. Releasing a lock that t
// does not hold is fatal.
func (l *Lock) Release(t Ticket) {
	l.mu.Lock()
	if !l.held || l.owner != t {
		l.mu.Unlock()
		panic(fmt.Errorf("releasesleep %s: ticket %d not holder", l.name, t))
	}
	l.held = false
	l.owner = 0
	if l.waiters > 0 {
		// every waiter re-checks held
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// Holding reports whether t is the current holding of l.
func (l *Lock) Holding(t Ticket) bool {
	l.mu.Lock()
	r := l.held && l.owner == t
	l.mu.Unlock()
	return r
}

// Waiters reports how many callers are asleep in Acquire.
func (l *Lock) Waiters() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters
}
