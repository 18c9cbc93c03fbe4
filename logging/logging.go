// Package logging provides the session's structured logger and the guest
// UART line ring buffer the debug monitor and host console both read from.
// Grounded on original_source/src/emu_flexe.c/emu_control.c's
// emu_log_ring/emu_log_head (64 lines x 47 chars + NUL), backed by
// go.uber.org/zap for structured logging.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

// ringLines and lineWidth match emu_log_ring's dimensions exactly: 64
// lines of 47 usable characters (the 48th byte is the C array's NUL
// terminator, which this Go ring has no need to reserve).
const (
	ringLines = 64
	lineWidth = 47
)

// UARTRing accumulates guest UART bytes into lines (split on '\n'/'\r')
// and keeps the most recent ringLines of them, the same structure the
// debug monitor's `log` command dumps (emu_control.c).
type UARTRing struct {
	mu    sync.Mutex
	lines [ringLines]string
	head  int
	cur   []byte
}

// NewUARTRing creates an empty ring.
func NewUARTRing() *UARTRing {
	return &UARTRing{}
}

// Write appends one guest-emitted byte, flushing a completed line into
// the ring on '\n' or '\r' and echoing it to out (stdout in practice),
// mirroring uart_log_cb's dual sink (terminal + ring buffer).
func (u *UARTRing) Write(b byte, out func(b byte)) {
	if out != nil {
		out(b)
	}
	if b == '\n' || b == '\r' {
		u.flush()
		return
	}
	u.mu.Lock()
	if len(u.cur) < lineWidth {
		u.cur = append(u.cur, b)
	}
	u.mu.Unlock()
}

func (u *UARTRing) flush() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.cur) == 0 {
		return
	}
	u.lines[u.head] = string(u.cur)
	u.head = (u.head + 1) % ringLines
	u.cur = u.cur[:0]
}

// Lines returns the retained lines oldest-first, skipping any never
// written (matches emu_control.c's wraparound read starting at
// head-ringLines).
func (u *UARTRing) Lines() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, ringLines)
	for i := 0; i < ringLines; i++ {
		idx := (u.head - ringLines + i + ringLines) % ringLines
		if u.lines[idx] != "" {
			out = append(out, u.lines[idx])
		}
	}
	return out
}

// New builds the session's SugaredLogger. devMode selects a human-
// readable console encoder (for `-monitor` interactive use); otherwise
// output is JSON, suited to piping into a log aggregator.
func New(devMode bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
