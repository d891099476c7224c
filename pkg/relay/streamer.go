package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/browserrelay/pkg/browser"
	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/pool"
)

// frameSlot holds at most one pending frame. A newer frame replaces an
// unsent one instead of queueing behind it.
type frameSlot struct {
	mu      sync.Mutex
	pending *browser.Frame
	ready   chan struct{}
}

func newFrameSlot() *frameSlot {
	return &frameSlot{ready: make(chan struct{}, 1)}
}

// put stores frame and reports whether it replaced an unsent one.
func (s *frameSlot) put(frame browser.Frame) bool {
	s.mu.Lock()
	replaced := s.pending != nil
	s.pending = &frame
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

// poll returns the pending frame without waiting.
func (s *frameSlot) poll() (browser.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.pending; f != nil {
		s.pending = nil
		return *f, true
	}
	return browser.Frame{}, false
}

func (s *frameSlot) take(ctx context.Context) (browser.Frame, bool) {
	for {
		if f, ok := s.poll(); ok {
			return f, true
		}
		select {
		case <-ctx.Done():
			return browser.Frame{}, false
		case <-s.ready:
		}
	}
}

// pacer adapts the capture interval to observed send latency. Slow sends
// grow the interval; fast sends decay it back toward the baseline.
type pacer struct {
	base time.Duration
	max  time.Duration
	slow time.Duration

	mu  sync.Mutex
	cur time.Duration
}

func newPacer(opts StreamOptions) *pacer {
	return &pacer{base: opts.BaseInterval, max: opts.MaxInterval, slow: opts.SlowSendThreshold, cur: opts.BaseInterval}
}

func (p *pacer) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// observe feeds one send latency and reports whether pacing degraded.
func (p *pacer) observe(latency time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if latency > p.slow {
		next := p.cur * 3 / 2
		if next < latency {
			next = latency
		}
		if next > p.max {
			next = p.max
		}
		degraded := next > p.cur
		p.cur = next
		return degraded
	}
	p.cur -= (p.cur - p.base) / 4
	if p.cur-p.base < time.Millisecond {
		p.cur = p.base
	}
	return false
}

// streamer captures frames from the handle and pushes them to one
// connection with at most one frame in flight.
type streamer struct {
	sess    *Session
	handle  browser.Handle
	att     *attachment
	opts    StreamOptions
	log     *logging.Logger
	buffers *pool.FrameBufferPool
	pacer   *pacer
	slot    *frameSlot
	onFatal func(error)

	onDegraded func(interval time.Duration)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	dropped     atomic.Int64
}

func newStreamer(sess *Session, handle browser.Handle, att *attachment, opts StreamOptions, log *logging.Logger, onFatal func(error)) *streamer {
	return &streamer{
		sess:    sess,
		handle:  handle,
		att:     att,
		opts:    opts,
		log:     log,
		buffers: pool.DefaultFrameBufferPool,
		pacer:   newPacer(opts),
		slot:    newFrameSlot(),
		onFatal: onFatal,
	}
}

// run blocks until ctx is cancelled or the failure budget is spent.
func (st *streamer) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		st.sendLoop(ctx)
	}()
	st.captureLoop(ctx)
	cancel()
	wg.Wait()
}

func (st *streamer) captureLoop(ctx context.Context) {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		var frame browser.Frame
		err := st.withRetry(ctx, func() error {
			var captureErr error
			frame, captureErr = st.handle.CaptureFrame(ctx, st.opts.Quality)
			return captureErr
		})
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			failures++
			st.log.Warn("frame capture failed",
				slog.Int("consecutive", failures),
				slog.String("error", err.Error()),
			)
			if failures >= st.opts.FailureThreshold {
				st.onFatal(fmt.Errorf("capture failed %d times in a row: %w", failures, err))
				return
			}
		default:
			failures = 0
			if st.slot.put(frame) {
				st.dropped.Add(1)
			}
		}
		timer.Reset(st.pacer.interval())
	}
}

func (st *streamer) sendLoop(ctx context.Context) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.att.noticeReady:
			st.att.flushNotices()
			continue
		case <-st.slot.ready:
		}
		frame, ok := st.slot.poll()
		if !ok {
			continue
		}
		payload := encodeFrame(st.buffers.Get(base64.StdEncoding.EncodedLen(len(frame.Data))+32), frame.Data)

		start := time.Now()
		err := st.withRetry(ctx, func() error { return st.sendOne(payload) })
		latency := time.Since(start)
		st.buffers.Put(payload)

		switch {
		case err == nil:
			failures = 0
			seq := st.sess.recordFrame()
			st.log.FrameSent(seq, len(payload), float64(latency.Microseconds())/1000)
			if st.pacer.observe(latency) && st.onDegraded != nil {
				st.onDegraded(st.pacer.interval())
			}
		case ctx.Err() != nil:
			return
		default:
			failures++
			st.log.Warn("frame send failed",
				slog.Int("consecutive", failures),
				slog.String("error", err.Error()),
			)
			if failures >= st.opts.FailureThreshold {
				st.onFatal(fmt.Errorf("send failed %d times in a row: %w", failures, err))
				return
			}
		}
	}
}

func (st *streamer) sendOne(payload []byte) error {
	n := st.inFlight.Add(1)
	defer st.inFlight.Add(-1)
	for {
		peak := st.maxInFlight.Load()
		if n <= peak || st.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	return st.att.send(payload)
}

// withRetry runs op, retrying once after the configured backoff.
func (st *streamer) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || ctx.Err() != nil || isClosedErr(err) {
		return err
	}
	timer := time.NewTimer(st.opts.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return op()
}

func encodeFrame(buf, data []byte) []byte {
	buf = append(buf, `{"type":"frame","data":"`...)
	buf = base64.StdEncoding.AppendEncode(buf, data)
	buf = append(buf, `"}`...)
	return buf
}
