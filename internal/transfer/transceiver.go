// Package transfer moves the bytes of an offered file over an established
// connection.
//
// The stream is a sequence of commands:
//
//	'D'|'d' path                       directory (upper case: top level)
//	'F'|'f' [mtime int64] size int64 path data   file
//	's'                                source missing, transfer failed
//	'e'                                end of transfer
//
// Paths are uint16 length prefixed UTF-8 with '/' separators, relative to
// the parent of the top level entries. mtime is present from version 1 on.
package transfer

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Version is the highest stream version supported.
const Version = 1

// Result is reported exactly once when a transfer ends.
type Result struct {
	Success bool
	// SourceVanished is set when the seeding side could no longer read the
	// file.
	SourceVanished bool
	// BaseFiles lists the top level entries written by a leecher.
	BaseFiles []string
	Err       error
}

// Transceiver is one side of a transfer.
type Transceiver interface {
	Start()
	// Abort cuts the transfer; it may be called any number of times from any
	// goroutine and leads to a failed Result.
	Abort()
	SetProgressFunc(fn func(percent int))
	SetDoneFunc(fn func(Result))
}

var errAborted = errors.New("transfer aborted")

// base carries the lifecycle shared by seeders and leechers.
type base struct {
	conn    net.Conn
	total   int64
	version int
	logger  *slog.Logger

	mu       sync.Mutex
	progress func(int)
	done     func(Result)
	// pending holds a result that finished before a done func was set.
	pending  *Result

	started   atomic.Bool
	aborted   atomic.Bool
	abortOnce sync.Once
	finish    sync.Once
	moved     atomic.Int64
	lastPct   atomic.Int32
	onBytes   func(n int)
}

func (b *base) SetProgressFunc(fn func(percent int)) {
	b.mu.Lock()
	b.progress = fn
	b.mu.Unlock()
}

// SetDoneFunc sets the completion callback. A result that is already in,
// such as an abort before the callback was set, is delivered right away.
func (b *base) SetDoneFunc(fn func(Result)) {
	b.mu.Lock()
	b.done = fn
	pending := b.pending
	if fn != nil {
		b.pending = nil
	}
	b.mu.Unlock()
	if fn != nil && pending != nil {
		fn(*pending)
	}
}

func (b *base) Abort() {
	b.abortOnce.Do(func() {
		b.aborted.Store(true)
		b.logger.Info("aborting transfer")
		b.conn.Close()
		if !b.started.Load() {
			b.complete(Result{Err: errAborted})
		}
	})
}

func (b *base) launch(run func() Result) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		res := run()
		b.conn.Close()
		if b.aborted.Load() {
			res = Result{Err: errAborted}
		}
		b.complete(res)
	}()
}

func (b *base) complete(res Result) {
	b.finish.Do(func() {
		b.mu.Lock()
		done := b.done
		if done == nil {
			b.pending = &res
		}
		b.mu.Unlock()
		if done != nil {
			done(res)
		}
	})
}

func (b *base) count(n int) {
	if n <= 0 {
		return
	}
	if b.onBytes != nil {
		b.onBytes(n)
	}
	moved := b.moved.Add(int64(n))
	pct := 100
	if b.total > 0 {
		pct = int(moved * 100 / b.total)
	}
	if pct > 100 {
		pct = 100
	}
	if int32(pct) == b.lastPct.Swap(int32(pct)) {
		return
	}
	b.mu.Lock()
	progress := b.progress
	b.mu.Unlock()
	if progress != nil {
		progress(pct)
	}
}

// Transferred returns the payload bytes moved so far.
func (b *base) Transferred() int64 { return b.moved.Load() }

// countingWriter reports payload bytes as they are written.
type countingWriter struct {
	w io.Writer
	b *base
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.b.count(n)
	return n, err
}
