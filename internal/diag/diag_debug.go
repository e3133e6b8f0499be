//go:build xtcdebug

package diag

import (
	"bytes"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Enabled reports whether diagnostics are compiled in.
const Enabled = true

type hold struct {
	count int
	mode  string
	where string
}

// Context records which pages a transaction has fixed and latched, and where.
type Context struct {
	mu      sync.Mutex
	fixes   map[uint64]*hold
	latches map[uint64]*hold
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		fixes:   make(map[uint64]*hold),
		latches: make(map[uint64]*hold),
		logger:  logger.Named("diag"),
	}
}

func (c *Context) Fixed(pageID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.fixes[pageID]
	if h == nil {
		h = &hold{}
		c.fixes[pageID] = h
	}
	h.count++
	h.where = caller(2)
}

func (c *Context) Unfixed(pageID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.fixes[pageID]
	if h == nil {
		c.logger.Warn("Unfix of page not fixed by this context", zap.Uint64("page", pageID), zap.String("caller", caller(2)), zap.Int64("goroutine", goID()))
		return
	}
	if h.count--; h.count == 0 {
		delete(c.fixes, pageID)
	}
}

func (c *Context) Latched(pageID uint64, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.latches[pageID]
	if h == nil {
		h = &hold{}
		c.latches[pageID] = h
	}
	h.count++
	h.mode = mode
	h.where = caller(2)
	c.logger.Debug("Page latched", zap.Uint64("page", pageID), zap.String("mode", mode), zap.String("caller", h.where), zap.Int64("goroutine", goID()))
}

func (c *Context) Unlatched(pageID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.latches[pageID]
	if h == nil {
		c.logger.Warn("Unlatch of page not latched by this context", zap.Uint64("page", pageID), zap.String("caller", caller(2)))
		return
	}
	if h.count--; h.count == 0 {
		delete(c.latches, pageID)
	}
}

// CheckClean reports fixes or latches still held at a point where none may be.
func (c *Context) CheckClean(where string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fixes) == 0 && len(c.latches) == 0 {
		return nil
	}
	var lines []string
	for id, h := range c.fixes {
		lines = append(lines, fmt.Sprintf("fix %d x%d at %s", id, h.count, h.where))
	}
	for id, h := range c.latches {
		lines = append(lines, fmt.Sprintf("latch %d %s x%d at %s", id, h.mode, h.count, h.where))
	}
	sort.Strings(lines)
	return fmt.Errorf("%s: leaked %s", where, strings.Join(lines, "; "))
}

func (c *Context) Counts() (fixes, latches int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.fixes {
		fixes += h.count
	}
	for _, h := range c.latches {
		latches += h.count
	}
	return fixes, latches
}

func goID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// "goroutine 123 [running]:"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
