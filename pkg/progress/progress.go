// Package progress provides progress reporting for long-running operations.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/docker/go-units"
)

// Callback receives progress updates during long operations. total is zero
// when the amount of work is not known upfront (a streaming scan).
type Callback func(op string, current, total int, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int, message string) {}

// Progress tracks operation progress. Increment is safe for concurrent use
// by pipeline workers.
type Progress struct {
	Op      string
	Total   int
	current atomic.Int64
	bytes   atomic.Int64
	cb      Callback
}

// New creates a new Progress tracker.
func New(op string, total int, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb}
}

// Increment advances the progress and calls the callback.
func (p *Progress) Increment(message string) {
	n := p.current.Add(1)
	p.cb(p.Op, int(n), p.Total, message)
}

// AddBytes advances the item counter and the byte counter together.
func (p *Progress) AddBytes(n int64) {
	total := p.bytes.Add(n)
	cur := p.current.Add(1)
	p.cb(p.Op, int(cur), p.Total, units.HumanSize(float64(total)))
}

// Done marks the operation as complete.
func (p *Progress) Done(message string) {
	if p.Total > 0 {
		p.current.Store(int64(p.Total))
	}
	p.cb(p.Op, int(p.current.Load()), p.Total, message)
}

// Current returns the current progress value.
func (p *Progress) Current() int {
	return int(p.current.Load())
}

// Bytes returns the number of bytes reported through AddBytes.
func (p *Progress) Bytes() int64 {
	return p.bytes.Load()
}

// Terminal renders a progress bar, or a running count when the total is
// unknown, on a single terminal line.
type Terminal struct {
	mu          sync.Mutex
	writer      io.Writer
	op          string
	lastLineLen int
	enabled     atomic.Bool
}

// NewTerminal creates a new terminal renderer writing to stderr.
func NewTerminal(op string, enabled bool) *Terminal {
	return NewTerminalTo(os.Stderr, op, enabled)
}

// NewTerminalTo creates a terminal renderer writing to w.
func NewTerminalTo(w io.Writer, op string, enabled bool) *Terminal {
	t := &Terminal{writer: w, op: op}
	t.enabled.Store(enabled)
	return t
}

// Callback returns a Callback function for this terminal.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, message string) {
		if !t.enabled.Load() {
			return
		}
		t.render(current, total, message)
	}
}

func (t *Terminal) render(current, total int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear := "\r"
	if t.lastLineLen > 0 {
		clear = "\r" + strings.Repeat(" ", t.lastLineLen) + "\r"
	}

	var line string
	if total > 0 {
		if current > total {
			current = total
		}
		const barWidth = 30
		filled := barWidth * current / total
		bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
		line = fmt.Sprintf("%s [%s] %d/%d (%.0f%%)", t.op, bar, current, total, float64(current)/float64(total)*100)
	} else {
		line = fmt.Sprintf("%s... %d items", t.op, current)
	}
	if message != "" {
		line += " " + message
	}

	fmt.Fprint(t.writer, clear+line)
	t.lastLineLen = len(line)
}

// Done prints a final message and newline.
func (t *Terminal) Done(message string) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	clear := "\r" + strings.Repeat(" ", t.lastLineLen) + "\r"
	if message == "" {
		message = t.op + " complete"
	}
	fmt.Fprintln(t.writer, clear+message)
	t.lastLineLen = 0
}

// SetEnabled enables or disables rendering.
func (t *Terminal) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// IsEnabled returns whether rendering is enabled.
func (t *Terminal) IsEnabled() bool {
	return t.enabled.Load()
}
