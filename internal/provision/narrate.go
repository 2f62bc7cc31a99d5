package provision

import (
	"fmt"
	"io"
)

// Narrator receives human-readable progress. It is presentation only; the
// same events are logged through the audit log.
type Narrator interface {
	Stage(n, total int, stage Stage)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	OK(format string, args ...any)
	Fail(stage Stage, err error)
}

type console struct {
	w io.Writer
}

// NewConsole returns a Narrator that prints marked lines to w.
func NewConsole(w io.Writer) Narrator {
	if w == nil {
		w = io.Discard
	}
	return &console{w: w}
}

func (c *console) Stage(n, total int, stage Stage) {
	fmt.Fprintf(c.w, "\n[%d/%d] %s\n", n, total, stage)
}

func (c *console) Info(format string, args ...any) {
	fmt.Fprintf(c.w, "   ℹ️  "+format+"\n", args...)
}

func (c *console) Warn(format string, args ...any) {
	fmt.Fprintf(c.w, "   ⚠️  "+format+"\n", args...)
}

func (c *console) OK(format string, args ...any) {
	fmt.Fprintf(c.w, "   ✅ "+format+"\n", args...)
}

func (c *console) Fail(stage Stage, err error) {
	fmt.Fprintf(c.w, "   ❌ %s failed: %v\n", stage, err)
}
