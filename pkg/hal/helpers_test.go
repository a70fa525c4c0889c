package hal

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/emulator"
	"github.com/srediag/camera-hal/pkg/shm"
)

const waitTimeout = 2 * time.Second

type event struct {
	msg  api.MsgType
	arg1 int32
	arg2 int32
	buf  shm.Buffer
	ts   int64
	data []byte
}

// events records every callback and lets tests wait for them.
type events struct {
	mu  sync.Mutex
	all []event
	ch  chan event
}

func newEvents() *events {
	return &events{ch: make(chan event, 1024)}
}

func (e *events) push(ev event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
	e.ch <- ev
}

func (e *events) notify(msg api.MsgType, arg1, arg2 int32) {
	e.push(event{msg: msg, arg1: arg1, arg2: arg2})
}

func (e *events) data(msg api.MsgType, buf shm.Buffer) {
	e.push(event{msg: msg, buf: buf, data: append([]byte(nil), buf.Bytes()...)})
}

func (e *events) dataTs(ts int64, msg api.MsgType, buf shm.Buffer) {
	e.push(event{msg: msg, buf: buf, ts: ts})
}

func (e *events) count(msg api.MsgType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.all {
		if ev.msg == msg {
			n++
		}
	}
	return n
}

// halSuite runs every test against a fresh emulated camera.
type halSuite struct {
	suite.Suite
	ctx context.Context
	cam *emulator.Camera
	cfg *Config
	reg *prometheus.Registry
	hw  *Hardware
	ev  *events
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MapType = "heap"
	cfg.CommandTimeout = waitTimeout
	cfg.MaxZoom = 4
	return cfg
}

func (s *halSuite) SetupTest() {
	s.ctx = context.Background()
	s.cam = emulator.New(emulator.Options{})
	s.cfg = testConfig()
	s.reg = prometheus.NewRegistry()
	s.hw = s.newHardware(s.cam, s.cfg)
	s.ev = newEvents()
	s.hw.SetCallbacks(s.ev.notify, s.ev.data, s.ev.dataTs)
}

func (s *halSuite) newHardware(cam *emulator.Camera, cfg *Config) *Hardware {
	hw, err := New(s.ctx, cfg, Deps{
		Open:       cam.Opener(),
		Library:    cam.Library,
		Blitter:    cam.Blitter,
		Registerer: s.reg,
	})
	s.Require().NoError(err)
	return hw
}

func (s *halSuite) TearDownTest() {
	_ = s.hw.Release(s.ctx)
	ctx, cancel := context.WithTimeout(s.ctx, waitTimeout)
	defer cancel()
	s.NoError(s.hw.Wait(ctx))
}

func (s *halSuite) startPreview() {
	s.Require().NoError(s.hw.StartPreview(s.ctx))
	s.Require().Eventually(s.cam.Library.Pumping, waitTimeout, time.Millisecond)
}

// waitFor returns the next event of type msg.
func (s *halSuite) waitFor(msg api.MsgType) event {
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-s.ev.ch:
			if ev.msg == msg {
				return ev
			}
		case <-deadline:
			s.FailNow("timed out waiting for " + msg.String())
			return event{}
		}
	}
}

// expectNone fails if an event of type msg arrives within d.
func (s *halSuite) expectNone(msg api.MsgType, d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case ev := <-s.ev.ch:
			if ev.msg == msg {
				s.Failf("unexpected event", "%s", msg)
				return
			}
		case <-deadline:
			return
		}
	}
}

func (s *halSuite) previewRegionsLive() int {
	return s.cam.CurrentDriver().RegisteredKinds()[shm.KindPreview]
}

// replaceHardware releases the suite instance and brings up a new one on a
// fresh emulated camera.
func (s *halSuite) replaceHardware(opts emulator.Options, cfg *Config) {
	s.Require().NoError(s.hw.Release(s.ctx))
	s.Require().NoError(s.hw.Wait(s.ctx))
	s.cam = emulator.New(opts)
	s.cfg = cfg
	s.hw = s.newHardware(s.cam, cfg)
	s.ev = newEvents()
	s.hw.SetCallbacks(s.ev.notify, s.ev.data, s.ev.dataTs)
}
