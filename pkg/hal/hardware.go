// Package hal drives one camera: it owns the driver handle, the shared
// memory pools and the workers behind preview, recording, snapshots and auto
// focus, and exposes them through api.CameraHardware.
package hal

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/internal/logging"
	"github.com/srediag/camera-hal/pkg/display"
	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
	"github.com/srediag/camera-hal/pkg/vendor"
)

var log = logging.New("hal", nil)

var _ api.CameraHardware = (*Hardware)(nil)

// Deps are the collaborators of a Hardware instance.
type Deps struct {
	Open    transport.Opener
	Library vendor.Library
	// Blitter scales zoomed preview frames. Without one, zoomed frames are
	// delivered as captured.
	Blitter display.Blitter

	// Metrics takes precedence over Registerer.
	Metrics    *Metrics
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Meter      metric.Meter
}

type consumers struct {
	notify api.NotifyFunc
	data   api.DataFunc
	dataTs api.DataTimestampFunc
	msgs   api.MsgType
}

// Hardware is the capture state machine for one camera.
type Hardware struct {
	cfg     *Config
	mapType shm.MemMapType
	metrics *Metrics
	tracer  trace.Tracer
	meter   metric.Meter
	driver  transport.Driver
	lib     vendor.Library
	blitter display.Blitter
	workers *ants.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// mu serialises the public state transitions.
	mu           sync.Mutex
	released     bool
	params       *api.Parameters
	dim          transport.Dimension
	applied      applied
	previewSizes []size
	pictureSizes []size
	sensor       SensorProfile
	sensorInfo   transport.SensorInfo
	recording    bool
	previewInit  bool
	session      uuid.UUID

	// runningMu is held around commands that change whether frames flow.
	runningMu sync.Mutex
	running   atomic.Bool

	timeoutMu sync.Mutex
	timedOut  bool

	cbMu sync.Mutex
	cbs  consumers

	exchange *exchange

	snapMu    sync.Mutex
	snapDim   transport.Dimension
	rawPool   *shm.Pool
	thumbPool *shm.Pool
	jpegPool  *shm.Pool
	jpegSize  int
	snapID    uuid.UUID

	shutterMu      sync.Mutex
	shutterPending bool

	framePump    *task
	snapshot     *task
	snapshotMode *task
	jpeg         *task
	focus        *task
	focusGate    focusGate
	// focusHook runs at the start of the focus worker.
	focusHook func()
}

// New brings the camera up: it opens the driver on a separate goroutine
// while the vendor library is bound, starts the config thread and applies
// the default parameters.
func New(ctx context.Context, cfg *Config, deps Deps) (*Hardware, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if deps.Open == nil || deps.Library == nil {
		return nil, fmt.Errorf("hal: driver opener and vendor library are required")
	}
	mapType, _ := cfg.memMapType()

	h := &Hardware{
		cfg:          cfg,
		mapType:      mapType,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		meter:        deps.Meter,
		lib:          deps.Library,
		blitter:      deps.Blitter,
		done:         make(chan struct{}),
		framePump:    newTask("frame-pump"),
		snapshot:     newTask("snapshot"),
		snapshotMode: newTask("snapshot-mode"),
		jpeg:         newTask("jpeg"),
		focus:        newTask("auto-focus"),
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(deps.Registerer)
	}
	if h.tracer == nil {
		h.tracer = tracenoop.NewTracerProvider().Tracer("camhal/hal")
	}
	if h.meter == nil {
		h.meter = metricnoop.NewMeterProvider().Meter("camhal/hal")
	}
	h.exchange = newExchange(h)

	workers, err := ants.NewPool(cfg.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Errorf("worker panic: %v", p)
		}))
	if err != nil {
		return nil, fmt.Errorf("hal: worker pool: %w", err)
	}
	h.workers = workers
	h.ctx, h.cancel = context.WithCancel(context.Background())

	ctx, span := h.tracer.Start(ctx, "hal.New")
	defer span.End()
	if err := h.startCamera(ctx, deps.Open); err != nil {
		span.RecordError(err)
		h.workers.Release()
		h.cancel()
		close(h.done)
		return nil, err
	}

	h.mu.Lock()
	h.initDefaultParameters(ctx)
	h.mu.Unlock()
	return h, nil
}

type openResult struct {
	driver transport.Driver
	err    error
}

func (h *Hardware) startCamera(ctx context.Context, open transport.Opener) error {
	opened := make(chan openResult, 1)
	go func() {
		d, err := open(ctx)
		opened <- openResult{driver: d, err: err}
	}()

	h.lib.Bind(vendorSink{h})

	var res openResult
	select {
	case res = <-opened:
	case <-ctx.Done():
		go func() {
			if r := <-opened; r.driver != nil {
				_ = r.driver.Close()
			}
		}()
		return fmt.Errorf("%w: open driver: %v", ErrHardware, ctx.Err())
	}
	if res.err != nil {
		log.Errorf("open driver failed: %v", res.err)
		return fmt.Errorf("%w: open driver: %v", ErrHardware, res.err)
	}
	h.driver = res.driver

	if err := h.lib.LaunchConfigThread(); err != nil {
		_ = h.driver.Close()
		return fmt.Errorf("%w: launch config thread: %v", ErrHardware, err)
	}

	h.sensor = h.cfg.Sensor
	info, err := h.driver.SensorInfo(ctx)
	if err != nil {
		log.Warnf("sensor info unavailable: %v", err)
		return nil
	}
	h.sensorInfo = info
	if p, ok := LookupSensor(info.Name); ok {
		h.sensor = p
	}
	log.Infof("sensor %q flash=%t auto-focus=%t", info.Name, info.FlashEnabled, h.sensor.HasAutoFocus)
	return nil
}

// command sends one control command and counts it.
func (h *Hardware) command(ctx context.Context, typ transport.CommandType, payload []byte, timeout time.Duration, want ...transport.Status) (transport.Response, error) {
	resp, err := transport.Do(ctx, h.driver, transport.Command{Type: typ, Timeout: timeout, Payload: payload}, want...)
	if err != nil {
		h.metrics.DriverCommands.WithLabelValues(typ.String(), "failed").Inc()
		log.Errorf("%s failed: %v", typ, err)
		return resp, fmt.Errorf("%w: %v", ErrHardware, err)
	}
	h.metrics.DriverCommands.WithLabelValues(typ.String(), "ok").Inc()
	return resp, nil
}

// spawn runs fn on the worker pool as the single run of t. fn may end its
// run early through finish; the run ends when fn returns in any case.
func (h *Hardware) spawn(t *task, fn func(finish func())) error {
	done, ok := t.start()
	if !ok {
		return fmt.Errorf("%w: %s already running", ErrHardware, t.name)
	}
	finish := func() { t.finishRun(done) }
	if err := h.workers.Submit(func() {
		defer finish()
		fn(finish)
	}); err != nil {
		finish()
		return fmt.Errorf("%w: start %s: %v", ErrHardware, t.name, err)
	}
	return nil
}

func (h *Hardware) consumers() consumers {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	return h.cbs
}

// SetCallbacks installs the consumer callbacks. Any of them may be nil.
func (h *Hardware) SetCallbacks(notify api.NotifyFunc, data api.DataFunc, dataTimestamp api.DataTimestampFunc) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.cbs.notify = notify
	h.cbs.data = data
	h.cbs.dataTs = dataTimestamp
}

func (h *Hardware) EnableMsgType(msg api.MsgType) {
	h.cbMu.Lock()
	h.cbs.msgs |= msg
	h.cbMu.Unlock()
}

func (h *Hardware) DisableMsgType(msg api.MsgType) {
	h.cbMu.Lock()
	h.cbs.msgs &^= msg
	h.cbMu.Unlock()
}

func (h *Hardware) MsgTypeEnabled(msg api.MsgType) bool {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	return h.cbs.msgs&msg != 0
}

func (h *Hardware) notify(msg api.MsgType, arg1, arg2 int32) {
	c := h.consumers()
	if c.notify != nil && c.msgs&msg != 0 {
		c.notify(msg, arg1, arg2)
	}
}

// SetParameters validates and applies p. Every key is attempted; the
// error of the first failing key is returned.
func (h *Hardware) SetParameters(ctx context.Context, p *api.Parameters) error {
	if p == nil {
		return fmt.Errorf("%w: nil parameters", ErrInvalidParameter)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	return h.setParameters(ctx, p)
}

// Parameters returns a copy of the current parameters.
func (h *Hardware) Parameters() *api.Parameters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.params.Clone()
}

// SendCommand accepts no vendor specific commands.
func (h *Hardware) SendCommand(cmd, arg1, arg2 int32) error {
	return fmt.Errorf("%w: command %d", ErrNotSupported, cmd)
}

func (h *Hardware) onTimeout() {
	h.metrics.Timeouts.Inc()
	h.timeoutMu.Lock()
	first := !h.timedOut
	h.timedOut = true
	h.timeoutMu.Unlock()
	if !first {
		return
	}
	log.Errorf("frame timeout, driver commands are suspended until the next preview")
	h.notify(api.MsgError, api.ErrorUnknown, 0)
}

// TimedOut reports whether the timeout latch is set.
func (h *Hardware) TimedOut() bool {
	h.timeoutMu.Lock()
	defer h.timeoutMu.Unlock()
	return h.timedOut
}

// Running reports whether the driver is delivering preview frames.
func (h *Hardware) Running() bool {
	return h.running.Load()
}

// Metrics returns the instance counters.
func (h *Hardware) Metrics() *Metrics {
	return h.metrics
}

// Dump writes the instance state.
func (h *Hardware) Dump(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	h.mu.Lock()
	fmt.Fprintf(buf, "camera sensor=%q released=%t running=%t recording=%t timed-out=%t\n",
		h.sensorInfo.Name, h.released, h.running.Load(), h.recording, h.TimedOut())
	fmt.Fprintf(buf, "  session=%s snapshot=%s\n", h.session, h.snapID)
	fmt.Fprintf(buf, "  workers running=%d free=%d pump=%t snapshot=%t jpeg=%t focus=%t\n",
		h.workers.Running(), h.workers.Free(), h.framePump.Running(), h.snapshot.Running(),
		h.jpeg.Running(), h.focus.Running())
	delivered, released := h.exchange.rec.counts()
	fmt.Fprintf(buf, "  recording delivered=%d released=%d\n", delivered, released)
	fmt.Fprintf(buf, "  frames received=%.0f released=%.0f timeouts=%.0f\n",
		counterValue(h.metrics.FramesReceived), counterValue(h.metrics.FramesReleased),
		counterValue(h.metrics.Timeouts))
	fmt.Fprintf(buf, "  parameters %s\n", h.params.Flatten())
	h.mu.Unlock()

	h.exchange.mu.RLock()
	if h.exchange.pool != nil {
		_ = h.exchange.pool.Dump(buf)
	}
	h.exchange.mu.RUnlock()

	h.snapMu.Lock()
	for _, p := range []*shm.Pool{h.rawPool, h.thumbPool, h.jpegPool} {
		if p != nil {
			_ = p.Dump(buf)
		}
	}
	h.snapMu.Unlock()

	_, err := buf.WriteTo(w)
	return err
}

// vendorSink receives the vendor library callbacks.
type vendorSink struct {
	h *Hardware
}

func (s vendorSink) OnFrame(frame vendor.Frame) { s.h.exchange.onFrame(frame) }
func (s vendorSink) OnJpegFragment(data []byte) { s.h.onJpegFragment(data) }
func (s vendorSink) OnJpegDone(status vendor.JpegStatus) { s.h.onJpegDone(status) }
func (s vendorSink) OnShutter(crop transport.Crop) { s.h.notifyShutter(crop) }
func (s vendorSink) OnTimeout() { s.h.onTimeout() }
