package buffer

import (
	"time"

	"github.com/sushant-115/xtcdb/core/dberror"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
	"github.com/sushant-115/xtcdb/internal/diag"
)

// Handle is one fix of a page. It remembers the latch mode it holds so that
// UnfixPage can release it. A handle must not be shared between goroutines.
type Handle struct {
	page    *pagemanager.Page
	buf     *Buffer
	mode    pagemanager.LatchMode
	diag    *diag.Context
	timeout time.Duration
}

// PageID returns the id of the fixed page.
func (h *Handle) PageID() pagemanager.PageID { return h.page.GetPageID() }

// Unit returns the unit owning the page.
func (h *Handle) Unit() int32 { return h.page.Unit() }

// Body returns the mutable page body. Callers must hold a latch compatible
// with what they do to it.
func (h *Handle) Body() []byte { return h.page.Body() }

// LSN returns the page LSN.
func (h *Handle) LSN() pagemanager.LSN { return h.page.GetLSN() }

// SetLSN records that the log record at lsn has been applied to the page and
// marks it dirty. Requires an exclusive latch.
func (h *Handle) SetLSN(lsn pagemanager.LSN) {
	h.page.SetLSN(lsn)
	h.MarkDirty()
}

// MarkDirty flags the page for writing without changing its LSN. Used by
// unlogged bulk loads.
func (h *Handle) MarkDirty() {
	h.buf.mu.Lock()
	h.page.SetDirty(true)
	h.buf.mu.Unlock()
}

// Mode returns the latch mode currently held through the handle.
func (h *Handle) Mode() pagemanager.LatchMode { return h.mode }

// Latch acquires the page latch in mode, waiting at most the configured
// latch timeout.
func (h *Handle) Latch(mode pagemanager.LatchMode) error {
	if h.mode != pagemanager.LatchNone {
		return dberror.Buffer(dberror.ErrLatchMode, "page %s already latched %s", h.PageID(), h.mode)
	}
	if err := h.page.Latch().Acquire(mode, h.timeout); err != nil {
		return dberror.Buffer(err, "latch page %s %s", h.PageID(), mode)
	}
	h.mode = mode
	h.diag.Latched(h.PageID().Uint64(), mode.String())
	return nil
}

// TryLatch acquires the latch only if it is free right now.
func (h *Handle) TryLatch(mode pagemanager.LatchMode) bool {
	if h.mode != pagemanager.LatchNone {
		return false
	}
	if !h.page.Latch().TryAcquire(mode) {
		return false
	}
	h.mode = mode
	h.diag.Latched(h.PageID().Uint64(), mode.String())
	return true
}

// Unlatch releases whatever latch the handle holds.
func (h *Handle) Unlatch() {
	if h.mode == pagemanager.LatchNone {
		return
	}
	h.page.Latch().Release(h.mode)
	h.diag.Unlatched(h.PageID().Uint64())
	h.mode = pagemanager.LatchNone
}

// Upgrade turns an UPDATE latch into an EXCLUSIVE one.
func (h *Handle) Upgrade() error {
	if h.mode != pagemanager.LatchUpdate {
		return dberror.Buffer(dberror.ErrLatchMode, "upgrade page %s from %s", h.PageID(), h.mode)
	}
	if err := h.page.Latch().Upgrade(h.timeout); err != nil {
		return dberror.Buffer(err, "upgrade page %s", h.PageID())
	}
	h.mode = pagemanager.LatchExclusive
	return nil
}

// Downgrade turns an EXCLUSIVE latch into a SHARED one.
func (h *Handle) Downgrade() error {
	if h.mode != pagemanager.LatchExclusive {
		return dberror.Buffer(dberror.ErrLatchMode, "downgrade page %s from %s", h.PageID(), h.mode)
	}
	if err := h.page.Latch().Downgrade(); err != nil {
		return err
	}
	h.mode = pagemanager.LatchShared
	return nil
}
