// Package ota stages firmware images into the inactive slot and switches
// the boot slot once an image has been received in full.
//
// One session runs at a time, on the caller's goroutine. A session reads a
// framed stream: a header block terminated by "\r\n\r\n", then the raw
// image. The header is discarded; the image is written chunk by chunk into
// the slot, hashed, finalised, and only then made bootable.
package ota

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"devicelink-go/errcode"
	"devicelink-go/services/status"
	"devicelink-go/x/clock"
	"devicelink-go/x/mathx"
)

const (
	DefaultRestartDelay      = 8 * time.Second
	DefaultMaxTimeoutRetries = 5
	DefaultChunkSize         = 1024
)

var frameEnd = []byte("\r\n\r\n")

// Request is one update stream. Length counts image bytes after the
// framing header unless LengthIncludesFraming is set, in which case the
// header length is deducted once it is known.
type Request struct {
	Length                int64
	LengthIncludesFraming bool
	Body                  io.Reader
}

// Result describes a staged image.
type Result struct {
	Slot   string `json:"slot"`
	Bytes  int64  `json:"bytes"`
	Digest string `json:"digest"`
}

// Slots is the image storage. Next names the slot that is not running.
type Slots interface {
	Next() (string, error)
	Begin(slot string) (SlotWriter, error)
	SetBoot(slot string) error
	Boot() (string, error)
}

// SlotWriter receives one image. Abort discards a partial image; it is a
// no-op after Finalize.
type SlotWriter interface {
	io.Writer
	Finalize() error
	Abort() error
}

// Restarter reboots into the new boot slot.
type Restarter interface{ Restart() }

// RestartFunc adapts a function to Restarter.
type RestartFunc func()

func (f RestartFunc) Restart() { f() }

// StatusSink receives outcome events; *status.Aggregator implements it.
type StatusSink interface {
	Post(status.Event) bool
}

type Pipeline struct {
	slots        Slots
	sink         StatusSink
	restarter    Restarter
	clk          clock.Clock
	log          *slog.Logger
	restartDelay time.Duration
	maxRetries   int
	chunk        int

	busy atomic.Bool

	mu      sync.Mutex
	restart clock.Timer
}

type Option func(*Pipeline)

func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clk = c } }

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithStatus(s StatusSink) Option    { return func(p *Pipeline) { p.sink = s } }
func WithRestarter(r Restarter) Option  { return func(p *Pipeline) { p.restarter = r } }
func WithRestartDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.restartDelay = mathx.Clamp(d, 0, time.Hour) }
}

func WithMaxTimeoutRetries(n int) Option {
	return func(p *Pipeline) { p.maxRetries = mathx.Clamp(n, 0, 100) }
}

func WithChunkSize(n int) Option {
	return func(p *Pipeline) { p.chunk = mathx.Clamp(n, 64, 64*1024) }
}

func New(slots Slots, opts ...Option) *Pipeline {
	p := &Pipeline{
		slots:        slots,
		clk:          clock.Real(),
		log:          slog.New(slog.DiscardHandler),
		restartDelay: DefaultRestartDelay,
		maxRetries:   DefaultMaxTimeoutRetries,
		chunk:        DefaultChunkSize,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "ota")
	return p
}

// Busy reports whether a session is running.
func (p *Pipeline) Busy() bool { return p.busy.Load() }

// Receive runs one update session. A concurrent call fails with Busy and
// leaves the running session alone. Any other failure posts UpdateFailed
// and keeps the boot slot unchanged; success posts UpdateSuccessful and
// schedules a restart.
func (p *Pipeline) Receive(ctx context.Context, req Request) (Result, error) {
	if !p.busy.CompareAndSwap(false, true) {
		p.log.Warn("update rejected, session in progress")
		return Result{}, errcode.New(errcode.Busy, "ota.receive", "update in progress")
	}
	defer p.busy.Store(false)

	start := p.clk.Now()
	res, err := p.receive(ctx, req)
	if err != nil {
		code := errcode.Of(err)
		p.log.Error("update failed", "code", string(code), "err", err)
		p.emit(status.UpdateFailed, string(code))
		return Result{}, err
	}
	p.log.Info("update staged", "slot", res.Slot, "bytes", res.Bytes, "digest", res.Digest,
		"took", p.clk.Now().Sub(start))
	p.emit(status.UpdateSuccessful, res.Digest)
	p.scheduleRestart()
	return res, nil
}

func (p *Pipeline) receive(ctx context.Context, req Request) (Result, error) {
	const op = "ota.receive"
	if req.Body == nil || req.Length <= 0 {
		return Result{}, errcode.New(errcode.InvalidParams, op, "missing body or length")
	}

	slot, err := p.slots.Next()
	if err != nil {
		return Result{}, errcode.Wrap(errcode.SlotUnavailable, op, err)
	}
	p.log.Info("update started", "slot", slot, "declared", req.Length, "includes_framing", req.LengthIncludesFraming)

	var (
		w         SlotWriter
		finalized bool
		head      []byte
		limit     = req.Length
		received  int64
		retries   int
		h         = blake3.New()
		buf       = make([]byte, p.chunk)
	)
	defer func() {
		if w != nil && !finalized {
			if err := w.Abort(); err != nil {
				p.log.Warn("abort slot writer", "err", err)
			}
		}
	}()

	for w == nil || received < limit {
		if err := ctx.Err(); err != nil {
			return Result{}, errcode.Wrap(errcode.TransferError, op, err)
		}
		n, rerr := req.Body.Read(buf)
		if n > 0 {
			retries = 0
			data := buf[:n]
			if w == nil {
				head = append(head, data...)
				data = nil
				idx := bytes.Index(head, frameEnd)
				if idx < 0 && len(head) >= p.chunk {
					return Result{}, errcode.New(errcode.FramingError, op, "no header terminator in first chunk")
				}
				if idx >= 0 {
					hdr := idx + len(frameEnd)
					if req.LengthIncludesFraming {
						limit -= int64(hdr)
						if limit <= 0 {
							return Result{}, errcode.New(errcode.FramingError, op, "declared length covers no image bytes")
						}
					}
					if w, err = p.slots.Begin(slot); err != nil {
						w = nil
						return Result{}, errcode.Wrap(errcode.SlotUnavailable, op, err)
					}
					data = head[hdr:]
					head = nil
				}
			}
			data = data[:mathx.Min(int64(len(data)), limit-received)]
			if len(data) > 0 {
				if _, err := w.Write(data); err != nil {
					return Result{}, errcode.Wrap(errcode.WriteFinalizeError, op, err)
				}
				h.Write(data)
				received += int64(len(data))
			}
			if w != nil && received >= limit {
				break
			}
		}
		if rerr == nil {
			continue
		}
		if w == nil && errors.Is(rerr, io.EOF) {
			return Result{}, errcode.New(errcode.FramingError, op, "stream ended inside header")
		}
		if isTimeout(rerr) {
			retries++
			if retries > p.maxRetries {
				return Result{}, &errcode.E{C: errcode.TransferError, Op: op,
					Msg: fmt.Sprintf("%d consecutive timeouts", retries), Err: rerr}
			}
			p.log.Debug("read timeout, retrying", "attempt", retries)
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return Result{}, errcode.New(errcode.TransferError, op,
				fmt.Sprintf("stream closed after %d of %d bytes", received, limit))
		}
		return Result{}, errcode.Wrap(errcode.TransferError, op, rerr)
	}

	if err := w.Finalize(); err != nil {
		return Result{}, errcode.Wrap(errcode.WriteFinalizeError, op, err)
	}
	finalized = true
	if err := p.slots.SetBoot(slot); err != nil {
		return Result{}, errcode.Wrap(errcode.BootSlotError, op, err)
	}
	return Result{Slot: slot, Bytes: received, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func (p *Pipeline) emit(k status.Kind, detail string) {
	if p.sink == nil {
		return
	}
	if !p.sink.Post(status.Event{Kind: k, Detail: detail}) {
		p.log.Warn("status event dropped", "event", k.String())
	}
}

func (p *Pipeline) scheduleRestart() {
	if p.restarter == nil {
		p.log.Info("no restarter configured, new image boots on next restart")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restart != nil {
		p.restart.Stop()
	}
	p.log.Info("restart scheduled", "in", p.restartDelay)
	p.restart = p.clk.AfterFunc(p.restartDelay, func() {
		p.log.Info("restarting into new image")
		p.restarter.Restart()
	})
}

// CancelRestart stops a pending restart. It reports whether one was pending.
func (p *Pipeline) CancelRestart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restart == nil {
		return false
	}
	stopped := p.restart.Stop()
	p.restart = nil
	return stopped
}
