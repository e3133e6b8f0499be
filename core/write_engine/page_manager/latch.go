package pagemanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/xtcdb/core/dberror"
)

// LatchMode is the mode a latch is held in.
type LatchMode uint8

const (
	LatchNone LatchMode = iota
	LatchShared
	LatchUpdate
	LatchExclusive
)

func (m LatchMode) String() string {
	switch m {
	case LatchNone:
		return "NONE"
	case LatchShared:
		return "SHARED"
	case LatchUpdate:
		return "UPDATE"
	case LatchExclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("LatchMode(%d)", uint8(m))
}

// Latch is a short-term, non-recursive reader/update/writer monitor.
//
// SHARED is compatible with SHARED and UPDATE. UPDATE admits concurrent
// readers but excludes other UPDATE and EXCLUSIVE holders, so it can later be
// upgraded to EXCLUSIVE without deadlocking against another upgrader.
// Waiters block until the latch becomes compatible or the timeout elapses.
// A pending EXCLUSIVE request holds back new SHARED grants, so a steady
// stream of readers cannot starve a writer.
type Latch struct {
	mu        sync.Mutex
	readers   int
	update    bool
	exclusive bool
	xWaiters  int
	changed   chan struct{} // closed and replaced on every release
}

func (l *Latch) compatible(mode LatchMode) bool {
	switch mode {
	case LatchShared:
		return !l.exclusive && l.xWaiters == 0
	case LatchUpdate:
		return !l.exclusive && !l.update
	case LatchExclusive:
		return !l.exclusive && !l.update && l.readers == 0
	}
	return true
}

func (l *Latch) grant(mode LatchMode) {
	switch mode {
	case LatchShared:
		l.readers++
	case LatchUpdate:
		l.update = true
	case LatchExclusive:
		l.exclusive = true
	}
}

func (l *Latch) wakeLocked() {
	if l.changed != nil {
		close(l.changed)
		l.changed = nil
	}
}

func (l *Latch) waitChanLocked() chan struct{} {
	if l.changed == nil {
		l.changed = make(chan struct{})
	}
	return l.changed
}

// TryAcquire grants mode if it is immediately compatible.
func (l *Latch) TryAcquire(mode LatchMode) bool {
	if mode == LatchNone {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.compatible(mode) {
		return false
	}
	l.grant(mode)
	return true
}

// Acquire blocks until mode is granted. A non-positive timeout waits forever.
func (l *Latch) Acquire(mode LatchMode, timeout time.Duration) error {
	if mode == LatchNone {
		return nil
	}
	if mode == LatchExclusive {
		l.mu.Lock()
		l.xWaiters++
		l.mu.Unlock()
		defer func() {
			l.mu.Lock()
			l.xWaiters--
			l.wakeLocked()
			l.mu.Unlock()
		}()
	}
	return l.await(timeout, func() bool {
		if !l.compatible(mode) {
			return false
		}
		l.grant(mode)
		return true
	})
}

// Release gives up a latch held in mode.
func (l *Latch) Release(mode LatchMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch mode {
	case LatchShared:
		if l.readers == 0 {
			panic("pagemanager: release of unheld shared latch")
		}
		l.readers--
	case LatchUpdate:
		if !l.update {
			panic("pagemanager: release of unheld update latch")
		}
		l.update = false
	case LatchExclusive:
		if !l.exclusive {
			panic("pagemanager: release of unheld exclusive latch")
		}
		l.exclusive = false
	default:
		return
	}
	l.wakeLocked()
}

// Upgrade converts a held UPDATE latch to EXCLUSIVE, waiting for readers to drain.
func (l *Latch) Upgrade(timeout time.Duration) error {
	l.mu.Lock()
	if !l.update {
		l.mu.Unlock()
		return dberror.Buffer(dberror.ErrLatchMode, "upgrade without update latch")
	}
	l.mu.Unlock()
	return l.await(timeout, func() bool {
		if l.readers != 0 {
			return false
		}
		l.update = false
		l.exclusive = true
		return true
	})
}

// Downgrade converts a held EXCLUSIVE latch to SHARED.
func (l *Latch) Downgrade() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.exclusive {
		return dberror.Buffer(dberror.ErrLatchMode, "downgrade without exclusive latch")
	}
	l.exclusive = false
	l.readers++
	l.wakeLocked()
	return nil
}

// Holders returns the current number of shared holders and whether an update
// or exclusive holder exists.
func (l *Latch) Holders() (readers int, update, exclusive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers, l.update, l.exclusive
}

func (l *Latch) await(timeout time.Duration, try func() bool) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	l.mu.Lock()
	for {
		if try() {
			l.mu.Unlock()
			return nil
		}
		ch := l.waitChanLocked()
		l.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return dberror.Buffer(dberror.ErrLatchTimeout, "waited %s", timeout)
		}
		l.mu.Lock()
	}
}
