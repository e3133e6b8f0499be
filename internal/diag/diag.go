// Package diag tracks page fixes and latches held by one transaction. The
// bookkeeping is compiled in only with the xtcdebug build tag; release builds
// get a zero-cost stub with the same API.
package diag

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// caller formats the file:line and function skip frames above its caller.
func caller(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d (%s)", filepath.Base(file), line, name)
}
