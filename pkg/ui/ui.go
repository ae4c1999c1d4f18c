// Package ui prints deploy progress for operators. Diagnostic output goes
// through pkg/log; this package only writes the human-facing step lines.
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Reporter receives progress from long running operations
type Reporter interface {
	// Step announces the start of a pipeline step
	Step(format string, args ...any)
	// Progress reports item n of total within the current step
	Progress(n, total int, item string)
	// Done reports a completed step or command
	Done(format string, args ...any)
	// Warn reports a non-fatal problem
	Warn(format string, args ...any)
}

// Console writes colored progress lines
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	host string

	step  *color.Color
	dim   *color.Color
	ok    *color.Color
	warn  *color.Color
	label *color.Color
}

// NewConsole creates a reporter writing to out, stdout when nil
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{
		out:   out,
		step:  color.New(color.FgCyan, color.Bold),
		dim:   color.New(color.Faint),
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		label: color.New(color.FgMagenta),
	}
}

// ForHost returns a reporter that prefixes every line with host
func (c *Console) ForHost(host string) *Console {
	return &Console{
		out:   c.out,
		host:  host,
		step:  c.step,
		dim:   c.dim,
		ok:    c.ok,
		warn:  c.warn,
		label: c.label,
	}
}

func (c *Console) prefix() string {
	if c.host == "" {
		return ""
	}
	return c.label.Sprintf("[%s] ", c.host)
}

func (c *Console) Step(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s%s %s\n", c.prefix(), c.step.Sprint("==>"), fmt.Sprintf(format, args...))
}

func (c *Console) Progress(n, total int, item string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s    %s %s\n", c.prefix(), c.dim.Sprintf("[%d/%d]", n, total), item)
}

func (c *Console) Done(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s%s %s\n", c.prefix(), c.ok.Sprint("✓"), fmt.Sprintf(format, args...))
}

func (c *Console) Warn(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s%s %s\n", c.prefix(), c.warn.Sprint("!"), fmt.Sprintf(format, args...))
}

// Nop discards all progress
type Nop struct{}

func (Nop) Step(string, ...any)       {}
func (Nop) Progress(int, int, string) {}
func (Nop) Done(string, ...any)       {}
func (Nop) Warn(string, ...any)       {}

// DisableColor turns off ANSI sequences for every reporter
func DisableColor() {
	color.NoColor = true
}
