package emulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/camera-hal/pkg/transport"
	"github.com/srediag/camera-hal/pkg/vendor"
)

// ErrNoPump is returned when frames are requested while no pump runs.
var ErrNoPump = errors.New("emulator: frame pump not running")

const defaultFragmentSize = 1024

type frameRequest struct {
	crop transport.Crop
	done chan struct{}
}

// Library emulates the vendor imaging library.
type Library struct {
	mu sync.Mutex
	cb vendor.Callbacks

	requests      *queue.Queue
	pumpParams    vendor.PumpParams
	next          int
	terminateSoon bool
	pumps         int
	interval      time.Duration

	snapshotSize  vendor.Size
	configRunning bool
	failConfig    error
	failJpegInit  bool
	failEncode    error
	jpegStatus    vendor.JpegStatus
	fragmentSize  int
	mainQuality   int
	thumbQuality  int
	lastEncode    vendor.EncodeRequest
	encodes       int
	encoders      sync.WaitGroup
	encoding      int
	maxEncoding   int
	jpegHold      chan struct{}
}

// NewLibrary returns a library whose frame pump only produces frames on
// request. A positive interval makes it produce frames on its own as well.
func NewLibrary(interval time.Duration) *Library {
	return &Library{
		interval:     interval,
		jpegStatus:   vendor.JpegDone,
		fragmentSize: defaultFragmentSize,
		snapshotSize: vendor.Size{Width: 640, Height: 480},
	}
}

func (l *Library) Bind(cb vendor.Callbacks) {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
}

func (l *Library) callbacks() vendor.Callbacks {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb
}

// RunFramePump hands out the regions of params round-robin until
// TerminateFramePump is called or ctx is done.
func (l *Library) RunFramePump(ctx context.Context, params vendor.PumpParams) error {
	if len(params.Frames) == 0 {
		return fmt.Errorf("emulator: no frames to pump")
	}
	l.mu.Lock()
	if l.terminateSoon {
		l.terminateSoon = false
		l.mu.Unlock()
		return nil
	}
	if l.requests != nil {
		l.mu.Unlock()
		return fmt.Errorf("emulator: frame pump already running")
	}
	requests := queue.New(int64(len(params.Frames)))
	l.requests = requests
	l.pumpParams = params
	l.next = 0
	l.pumps++
	interval := l.interval
	l.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			requests.Dispose()
		case <-stop:
		}
	}()
	if interval > 0 {
		go l.tick(requests, interval, stop)
	}

	defer func() {
		l.mu.Lock()
		if l.requests == requests {
			l.requests = nil
		}
		l.mu.Unlock()
	}()
	for {
		items, err := requests.Get(1)
		if err != nil {
			if errors.Is(err, queue.ErrDisposed) {
				return nil
			}
			return err
		}
		for _, it := range items {
			req := it.(frameRequest)
			l.pumpOne(req.crop)
			if req.done != nil {
				close(req.done)
			}
		}
	}
}

func (l *Library) tick(requests *queue.Queue, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := requests.Put(frameRequest{}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (l *Library) pumpOne(crop transport.Crop) {
	l.mu.Lock()
	f := l.pumpParams.Frames[l.next]
	l.next = (l.next + 1) % len(l.pumpParams.Frames)
	cb := l.cb
	l.mu.Unlock()
	if cb == nil {
		return
	}
	cb.OnFrame(vendor.Frame{Offset: f.Offset, Crop: crop, Timestamp: time.Now().UnixNano()})
}

// TerminateFramePump stops the running pump, or the next one to start.
func (l *Library) TerminateFramePump() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.requests == nil {
		l.terminateSoon = true
		return
	}
	l.requests.Dispose()
}

// Emit queues one frame with crop and returns without waiting for it.
func (l *Library) Emit(crop transport.Crop) error {
	l.mu.Lock()
	requests := l.requests
	l.mu.Unlock()
	if requests == nil {
		return ErrNoPump
	}
	return requests.Put(frameRequest{crop: crop})
}

// EmitWait queues one frame and waits until the pump has delivered it.
func (l *Library) EmitWait(ctx context.Context, crop transport.Crop) error {
	l.mu.Lock()
	requests := l.requests
	l.mu.Unlock()
	if requests == nil {
		return ErrNoPump
	}
	done := make(chan struct{})
	if err := requests.Put(frameRequest{crop: crop, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pumping reports whether a frame pump is running.
func (l *Library) Pumping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests != nil
}

// Pumps returns how many frame pumps have been started.
func (l *Library) Pumps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pumps
}

// PumpParams returns the parameters of the last pump.
func (l *Library) PumpParams() vendor.PumpParams {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pumpParams
}

// InjectTimeout reports a frame timeout as the vendor library would.
func (l *Library) InjectTimeout() {
	if cb := l.callbacks(); cb != nil {
		cb.OnTimeout()
	}
}

// Shutter reports the shutter as the vendor library would.
func (l *Library) Shutter(crop transport.Crop) {
	if cb := l.callbacks(); cb != nil {
		cb.OnShutter(crop)
	}
}

func (l *Library) JpegInit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.failJpegInit
}

// JpegJoin waits for the encoders started so far.
func (l *Library) JpegJoin() {
	l.encoders.Wait()
}

// JpegEncode encodes asynchronously. The output is a marker framed dump of
// the EXIF table followed by the head of the main image, delivered in
// fragments.
func (l *Library) JpegEncode(req vendor.EncodeRequest) error {
	l.mu.Lock()
	if l.failEncode != nil {
		err := l.failEncode
		l.mu.Unlock()
		return err
	}
	l.lastEncode = req
	l.encodes++
	status := l.jpegStatus
	fragment := l.fragmentSize
	cb := l.cb
	hold := l.jpegHold
	if cb != nil {
		l.encoding++
		l.maxEncoding = max(l.maxEncoding, l.encoding)
	}
	l.mu.Unlock()
	if cb == nil {
		return fmt.Errorf("emulator: library not bound")
	}

	out := bytebufferpool.Get()
	out.Write([]byte{0xff, 0xd8})
	for _, tag := range req.Exif {
		fmt.Fprintf(out, "%04x=%s;", tag.ID, tag.Value)
	}
	if main := req.Main.Bytes(); len(main) > 0 {
		n := len(main)
		if n > 4*fragment {
			n = 4 * fragment
		}
		out.Write(main[:n])
	}
	out.Write([]byte{0xff, 0xd9})

	l.encoders.Add(1)
	go func() {
		defer l.encoders.Done()
		defer bytebufferpool.Put(out)
		defer func() {
			l.mu.Lock()
			l.encoding--
			l.mu.Unlock()
		}()
		if hold != nil {
			<-hold
		}
		if status == vendor.JpegDone {
			data := out.B
			for len(data) > 0 {
				n := min(fragment, len(data))
				cb.OnJpegFragment(data[:n])
				data = data[n:]
			}
		}
		cb.OnJpegDone(status)
	}()
	return nil
}

func (l *Library) SetMainQuality(q int) error {
	if q < 1 || q > 100 {
		return fmt.Errorf("emulator: quality %d out of range", q)
	}
	l.mu.Lock()
	l.mainQuality = q
	l.mu.Unlock()
	return nil
}

func (l *Library) SetThumbnailQuality(q int) error {
	if q < 1 || q > 100 {
		return fmt.Errorf("emulator: quality %d out of range", q)
	}
	l.mu.Lock()
	l.thumbQuality = q
	l.mu.Unlock()
	return nil
}

// Qualities returns the main and thumbnail jpeg qualities last set.
func (l *Library) Qualities() (main, thumbnail int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mainQuality, l.thumbQuality
}

func (l *Library) DefaultSnapshotSize() vendor.Size {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotSize
}

func (l *Library) LaunchConfigThread() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failConfig != nil {
		return l.failConfig
	}
	l.configRunning = true
	return nil
}

func (l *Library) ReleaseConfigThread() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configRunning = false
	return nil
}

// ConfigRunning reports whether the config thread is up.
func (l *Library) ConfigRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.configRunning
}

// FailConfigThread makes LaunchConfigThread fail with err.
func (l *Library) FailConfigThread(err error) {
	l.mu.Lock()
	l.failConfig = err
	l.mu.Unlock()
}

// FailJpegInit makes JpegInit report failure.
func (l *Library) FailJpegInit(fail bool) {
	l.mu.Lock()
	l.failJpegInit = fail
	l.mu.Unlock()
}

// FailEncode makes JpegEncode fail with err.
func (l *Library) FailEncode(err error) {
	l.mu.Lock()
	l.failEncode = err
	l.mu.Unlock()
}

// HoldJpeg keeps the encoders started from now on from delivering until
// the returned release is called.
func (l *Library) HoldJpeg() (release func()) {
	hold := make(chan struct{})
	l.mu.Lock()
	l.jpegHold = hold
	l.mu.Unlock()
	return sync.OnceFunc(func() {
		l.mu.Lock()
		if l.jpegHold == hold {
			l.jpegHold = nil
		}
		l.mu.Unlock()
		close(hold)
	})
}

// MaxConcurrentEncodes returns the most encoders ever running at once.
func (l *Library) MaxConcurrentEncodes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxEncoding
}

// SetJpegResult sets the final encoder status and the fragment size.
func (l *Library) SetJpegResult(status vendor.JpegStatus, fragmentSize int) {
	l.mu.Lock()
	l.jpegStatus = status
	if fragmentSize > 0 {
		l.fragmentSize = fragmentSize
	}
	l.mu.Unlock()
}

// LastEncode returns the last encode request and the number of encodes.
func (l *Library) LastEncode() (vendor.EncodeRequest, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEncode, l.encodes
}
