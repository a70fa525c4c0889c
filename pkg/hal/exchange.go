package hal

import (
	"context"
	"sync"
	"time"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/display"
	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/vendor"
)

// recordGate lets one recording frame be outstanding at a time. The frame
// pump blocks in deliver until the consumer releases that frame or the
// gate is closed.
type recordGate struct {
	mu          sync.Mutex
	cond        *sync.Cond
	open        bool
	pending     bool
	outstanding shm.Buffer
	delivered   uint64
	released    uint64
}

func newRecordGate() *recordGate {
	g := &recordGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *recordGate) start() {
	g.mu.Lock()
	g.open = true
	g.mu.Unlock()
}

// stop unblocks a waiting deliver and drops the outstanding frame.
func (g *recordGate) stop() {
	g.mu.Lock()
	g.open = false
	g.pending = false
	g.outstanding = shm.Buffer{}
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *recordGate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// deliver hands buf to fn and waits for it to be released. It reports
// false without calling fn when the gate is closed.
func (g *recordGate) deliver(buf shm.Buffer, fn func()) bool {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return false
	}
	g.pending = true
	g.outstanding = buf
	g.delivered++
	g.mu.Unlock()

	fn()

	g.mu.Lock()
	for g.pending && g.open {
		g.cond.Wait()
	}
	g.pending = false
	g.mu.Unlock()
	return true
}

// release acknowledges buf. Anything but the outstanding frame is rejected.
func (g *recordGate) release(buf shm.Buffer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending || g.outstanding.Pool() != buf.Pool() || g.outstanding.Index != buf.Index {
		return false
	}
	g.pending = false
	g.outstanding = shm.Buffer{}
	g.released++
	g.cond.Broadcast()
	return true
}

func (g *recordGate) counts() (delivered, released uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delivered, g.released
}

// exchange routes frames from the frame pump to the consumers.
type exchange struct {
	h *Hardware

	// mu is held for reading across a delivery and for writing while the
	// preview pool is attached or detached.
	mu   sync.RWMutex
	pool *shm.Pool
	// width and height of the frames in pool.
	width, height int

	dstMu sync.Mutex
	dst   int

	rec *recordGate
	fps *fpsMeter
}

func newExchange(h *Hardware) *exchange {
	x := &exchange{h: h, rec: newRecordGate()}
	if h.cfg.DebugFPS {
		x.fps = &fpsMeter{}
	}
	return x
}

func (x *exchange) attach(pool *shm.Pool, width, height int) {
	x.mu.Lock()
	x.pool = pool
	x.width, x.height = width, height
	x.mu.Unlock()
	x.dstMu.Lock()
	x.dst = 0
	x.dstMu.Unlock()
}

// detach waits for deliveries in flight and stops resolving frames against
// the preview pool.
func (x *exchange) detach() *shm.Pool {
	x.mu.Lock()
	defer x.mu.Unlock()
	pool := x.pool
	x.pool = nil
	return pool
}

// nextZoomRegion returns the spare region the next zoomed frame is scaled into.
func (x *exchange) nextZoomRegion(pool *shm.Pool) int {
	extra := pool.Len() - pool.Registered()
	x.dstMu.Lock()
	defer x.dstMu.Unlock()
	x.dst = (x.dst + 1) % extra
	return pool.Registered() + x.dst
}

func (x *exchange) onFrame(frame vendor.Frame) {
	m := x.h.metrics
	m.FramesReceived.Inc()
	if !x.h.running.Load() {
		m.FramesDropped.WithLabelValues("stopped").Inc()
		return
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	pool := x.pool
	if pool == nil {
		m.FramesDropped.WithLabelValues("detached").Inc()
		return
	}
	if frame.Offset < 0 || frame.Offset >= pool.Size() {
		log.Warnf("frame offset %d outside preview pool of %d bytes", frame.Offset, pool.Size())
		m.FramesDropped.WithLabelValues("offset").Inc()
		return
	}
	idx := pool.IndexOf(frame.Offset)
	if x.fps != nil {
		x.fps.tick()
	}

	if frame.Crop.Zoomed() && pool.Len() > pool.Registered() && x.h.blitter != nil {
		dst := x.nextZoomRegion(pool)
		err := x.h.blitter.Blit(context.Background(), display.BlitRequest{
			Pool:   pool,
			Src:    idx,
			Dst:    dst,
			Width:  x.width,
			Height: x.height,
			Crop:   frame.Crop,
		})
		if err != nil {
			log.Warnf("zoom blit %d -> %d failed: %v", idx, dst, err)
			m.ZoomBlits.WithLabelValues("failed").Inc()
		} else {
			m.ZoomBlits.WithLabelValues("ok").Inc()
			idx = dst
		}
	}

	c := x.h.consumers()
	buf := pool.Buffer(idx)
	if c.data != nil && c.msgs&api.MsgPreviewFrame != 0 {
		c.data(api.MsgPreviewFrame, buf)
		m.FramesDelivered.WithLabelValues("preview").Inc()
	}

	if c.dataTs != nil && c.msgs&api.MsgVideoFrame != 0 {
		ts := frame.Timestamp
		if ts == 0 {
			ts = time.Now().UnixNano()
		}
		wasActive := pool.Active(idx)
		pool.SetActive(idx, false)
		start := time.Now()
		ok := x.rec.deliver(buf, func() {
			c.dataTs(ts, api.MsgVideoFrame, buf)
		})
		pool.SetActive(idx, wasActive)
		if ok {
			m.FramesDelivered.WithLabelValues("video").Inc()
			m.RecordWait.Observe(time.Since(start).Seconds())
		}
	}
}

func (x *exchange) releaseRecordingFrame(buf shm.Buffer) {
	if !x.rec.release(buf) {
		log.Warnf("release of %s does not match the outstanding recording frame", buf)
		return
	}
	x.h.metrics.FramesReleased.Inc()
}

// fpsMeter logs the preview frame rate once per second.
type fpsMeter struct {
	mu     sync.Mutex
	frames int
	since  time.Time
}

func (f *fpsMeter) tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if f.since.IsZero() {
		f.since = now
	}
	f.frames++
	if elapsed := now.Sub(f.since); elapsed >= time.Second {
		log.Infof("preview fps %.2f", float64(f.frames)/elapsed.Seconds())
		f.frames = 0
		f.since = now
	}
}
