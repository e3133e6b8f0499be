//go:build !xtcdebug

package diag

import "go.uber.org/zap"

// Enabled reports whether diagnostics are compiled in.
const Enabled = false

// Context is a no-op without the xtcdebug build tag.
type Context struct{}

func New(*zap.Logger) *Context { return &Context{} }

func (c *Context) Fixed(uint64)                 {}
func (c *Context) Unfixed(uint64)               {}
func (c *Context) Latched(uint64, string)       {}
func (c *Context) Unlatched(uint64)             {}
func (c *Context) CheckClean(string) error      { return nil }
func (c *Context) Counts() (fixes, latches int) { return 0, 0 }
