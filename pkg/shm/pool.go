package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/camera-hal/internal/logging"
	internalshm "github.com/srediag/camera-hal/internal/shm"
)

// Purpose tags what a pool is used for.
type Purpose string

const (
	PurposePreview   Purpose = "preview"
	PurposeRecord    Purpose = "record"
	PurposeSnapshot  Purpose = "snapshot"
	PurposeThumbnail Purpose = "thumbnail"
	PurposePostview  Purpose = "postview"
	PurposeJpeg      Purpose = "jpeg"
)

// registered reports whether regions of this purpose are handed to the driver.
func (p Purpose) registered() bool {
	return p != PurposePostview && p != PurposeJpeg
}

// BufferKind is the driver's tag for a registered region.
type BufferKind uint32

const (
	KindVideo BufferKind = iota
	KindPreview
	KindThumbnail
	KindMainImage
	KindRawMainImage
)

func (k BufferKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindPreview:
		return "preview"
	case KindThumbnail:
		return "thumbnail"
	case KindMainImage:
		return "mainimg"
	case KindRawMainImage:
		return "raw-mainimg"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// MemMapType selects the backing of a pool mapping.
type MemMapType = internalshm.MemMapType

const (
	MemMapTypeMemFd      = internalshm.MemMapTypeMemFd
	MemMapTypeDevShmFile = internalshm.MemMapTypeDevShmFile
	MemMapTypeHeap       = internalshm.MemMapTypeHeap
)

// DefaultActiveVideoBuffers is how many record regions the driver may fill
// ahead of the consumer.
const DefaultActiveVideoBuffers = 3

// ErrAllocation reports that a mapping or a driver registration failed. The
// pool is fully unwound when it is returned.
var ErrAllocation = errors.New("shm: buffer allocation failed")

// RegionDescriptor is what the driver is told about one region.
type RegionDescriptor struct {
	Kind       BufferKind
	Fd         int
	Vaddr      uintptr
	Offset     uint32
	Len        uint32
	YOffset    uint32
	CbCrOffset uint32
	Active     bool
}

// Registrar registers pool regions with the capture driver.
type Registrar interface {
	RegisterRegion(ctx context.Context, desc RegionDescriptor) error
	UnregisterRegion(ctx context.Context, desc RegionDescriptor) error
}

// Options describes a pool.
type Options struct {
	Name    string
	Purpose Purpose
	// RegionSize is the logical buffer size; the stride is its page-aligned value.
	RegionSize int
	// FrameSize is the frame data size inside a region. Zero means RegionSize.
	FrameSize int
	// Count regions are registered with the driver.
	Count int
	// Extra regions follow the registered ones and are never registered.
	Extra     int
	Kind      BufferKind
	Registrar Registrar
	MapType   MemMapType
	// ActiveVideoBuffers bounds the initially active record regions.
	ActiveVideoBuffers int

	Meter  metric.Meter
	Tracer trace.Tracer
}

type region struct {
	offset     int
	active     atomic.Bool
	registered bool
}

// Pool is a set of page-aligned regions backed by one mapping.
type Pool struct {
	opts    Options
	mem     *internalshm.MappedRegion
	stride  int
	regions []region
	closed  atomic.Bool

	mapped        metric.Int64UpDownCounter
	registrations metric.Int64Counter
	tracer        trace.Tracer
}

var log = logging.New("shm", nil)

// NewPool maps (Count+Extra) page-aligned regions and registers the first
// Count of them with the driver unless the purpose is postview or jpeg.
func NewPool(ctx context.Context, opts Options) (p *Pool, err error) {
	if opts.RegionSize <= 0 || opts.Count <= 0 || opts.Extra < 0 {
		return nil, fmt.Errorf("%w: invalid geometry size=%d count=%d extra=%d",
			ErrAllocation, opts.RegionSize, opts.Count, opts.Extra)
	}
	if opts.FrameSize <= 0 || opts.FrameSize > opts.RegionSize {
		opts.FrameSize = opts.RegionSize
	}
	if opts.ActiveVideoBuffers <= 0 {
		opts.ActiveVideoBuffers = DefaultActiveVideoBuffers
	}
	if opts.Name == "" {
		opts.Name = string(opts.Purpose)
	}
	if opts.Purpose.registered() && opts.Registrar == nil {
		return nil, fmt.Errorf("%w: %s pool needs a driver registrar", ErrAllocation, opts.Purpose)
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("camhal/shm")
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("camhal/shm")
	}

	ctx, span := opts.Tracer.Start(ctx, "shm.NewPool", trace.WithAttributes(
		attribute.String("purpose", string(opts.Purpose)),
		attribute.Int("count", opts.Count),
		attribute.Int("extra", opts.Extra),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	p = &Pool{
		opts:   opts,
		stride: internalshm.PageAlign(opts.RegionSize),
		tracer: opts.Tracer,
	}
	p.mapped, _ = opts.Meter.Int64UpDownCounter("camhal.shm.mapped_bytes")
	p.registrations, _ = opts.Meter.Int64Counter("camhal.shm.registrations")

	total := opts.Count + opts.Extra
	p.mem, err = internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name: "camhal-" + opts.Name,
		Size: p.stride * total,
		Type: opts.MapType,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: map %s pool: %v", ErrAllocation, opts.Name, err)
	}

	p.regions = make([]region, total)
	for i := range p.regions {
		p.regions[i].offset = i * p.stride
		p.regions[i].active.Store(p.defaultActive(i))
	}

	if opts.Purpose.registered() {
		for i := 0; i < opts.Count; i++ {
			if rerr := opts.Registrar.RegisterRegion(ctx, p.descriptor(i, p.regions[i].active.Load())); rerr != nil {
				p.unregister(ctx)
				_ = internalshm.UnmapRegion(ctx, p.mem)
				return nil, fmt.Errorf("%w: register %s region %d: %v", ErrAllocation, opts.Name, i, rerr)
			}
			p.regions[i].registered = true
			p.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", string(opts.Purpose))))
		}
	}

	p.mapped.Add(ctx, int64(len(p.mem.Addr)), metric.WithAttributes(attribute.String("purpose", string(opts.Purpose))))
	log.Debugf("pool %s mapped %d bytes stride %d regions %d+%d fd %d",
		opts.Name, len(p.mem.Addr), p.stride, opts.Count, opts.Extra, p.mem.Fd)
	return p, nil
}

// defaultActive is the initial driver write permission of region i.
func (p *Pool) defaultActive(i int) bool {
	if i >= p.opts.Count {
		return false
	}
	switch p.opts.Purpose {
	case PurposePreview:
		return i < p.opts.Count-1
	case PurposeRecord:
		return i < p.opts.ActiveVideoBuffers
	}
	return true
}

func (p *Pool) descriptor(i int, active bool) RegionDescriptor {
	var cbcr uint32
	if p.opts.Kind != KindRawMainImage {
		cbcr = padToWord(uint32(p.opts.FrameSize * 2 / 3))
	}
	return RegionDescriptor{
		Kind:       p.opts.Kind,
		Fd:         p.mem.Fd,
		Vaddr:      p.mem.Base(),
		Offset:     uint32(p.regions[i].offset),
		Len:        uint32(p.opts.RegionSize),
		CbCrOffset: cbcr,
		Active:     active,
	}
}

// PageAlign rounds n up to a whole number of pages.
func PageAlign(n int) int {
	return internalshm.PageAlign(n)
}

func padToWord(x uint32) uint32 {
	return (x + 3) &^ 3
}

// unregister mirrors registration for every region registered so far.
func (p *Pool) unregister(ctx context.Context) []error {
	var errs []error
	for i := range p.regions {
		if !p.regions[i].registered {
			continue
		}
		if err := p.opts.Registrar.UnregisterRegion(ctx, p.descriptor(i, false)); err != nil {
			errs = append(errs, fmt.Errorf("unregister %s region %d: %w", p.opts.Name, i, err))
		}
		p.regions[i].registered = false
	}
	return errs
}

// Close unregisters every registered region and unmaps the pool. Calling it
// twice is a programming error and panics.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		panic("shm: pool " + p.opts.Name + " closed twice")
	}
	ctx, span := p.tracer.Start(ctx, "shm.Pool.Close", trace.WithAttributes(
		attribute.String("purpose", string(p.opts.Purpose)),
	))
	defer span.End()

	errs := p.unregister(ctx)
	size := len(p.mem.Addr)
	if err := internalshm.UnmapRegion(ctx, p.mem); err != nil {
		errs = append(errs, err)
	}
	p.mapped.Add(ctx, -int64(size), metric.WithAttributes(attribute.String("purpose", string(p.opts.Purpose))))
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		log.Warnf("pool %s close: %v", p.opts.Name, err)
	}
	return err
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool { return p.closed.Load() }

func (p *Pool) Name() string { return p.opts.Name }
func (p *Pool) Purpose() Purpose { return p.opts.Purpose }
func (p *Pool) Kind() BufferKind { return p.opts.Kind }
func (p *Pool) Stride() int { return p.stride }
func (p *Pool) RegionSize() int { return p.opts.RegionSize }
func (p *Pool) FrameSize() int { return p.opts.FrameSize }
func (p *Pool) Registered() int { return p.opts.Count }
func (p *Pool) Len() int { return len(p.regions) }
func (p *Pool) Fd() int { return p.mem.Fd }
func (p *Pool) Base() uintptr { return p.mem.Base() }
func (p *Pool) Size() int { return p.stride * len(p.regions) }
func (p *Pool) MapType() MemMapType { return p.opts.MapType }

// IndexOf returns the region holding byte offset off of the mapping. The
// caller guarantees off lies inside the mapping.
func (p *Pool) IndexOf(off int) int {
	return off / p.stride
}

// IndexOfAddr is IndexOf for a raw address inside the mapping.
func (p *Pool) IndexOfAddr(addr uintptr) int {
	return int(addr-p.mem.Base()) / p.stride
}

// Offset returns the byte offset of region i.
func (p *Pool) Offset(i int) int {
	return p.regions[i].offset
}

// Buffer returns a handle to the frame data of region i.
func (p *Pool) Buffer(i int) Buffer {
	return p.Slice(i, p.opts.FrameSize)
}

// Slice returns a handle to the first n bytes of region i, clamped to the stride.
func (p *Pool) Slice(i, n int) Buffer {
	if n > p.stride {
		n = p.stride
	}
	if n < 0 {
		n = 0
	}
	return Buffer{pool: p, Index: i, Offset: p.regions[i].offset, Len: n}
}

// Region returns the whole stride of region i for writing.
func (p *Pool) Region(i int) []byte {
	off := p.regions[i].offset
	return p.mem.Addr[off : off+p.stride]
}

// Active reports whether the driver may write into region i.
func (p *Pool) Active(i int) bool {
	return p.regions[i].active.Load()
}

// SetActive toggles the driver write permission of region i.
func (p *Pool) SetActive(i int, active bool) {
	p.regions[i].active.Store(active)
}

// Descriptor returns the registration descriptor of region i as it stands.
func (p *Pool) Descriptor(i int) RegionDescriptor {
	return p.descriptor(i, p.Active(i))
}

// Dump writes a human readable description of the pool.
func (p *Pool) Dump(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	fmt.Fprintf(buf, "pool %s purpose=%s kind=%s map=%s\n", p.opts.Name, p.opts.Purpose, p.opts.Kind, p.opts.MapType)
	fmt.Fprintf(buf, "  size=%d stride=%d region=%d frame=%d registered=%d extra=%d closed=%t\n",
		p.Size(), p.stride, p.opts.RegionSize, p.opts.FrameSize, p.opts.Count, p.opts.Extra, p.closed.Load())
	for i := range p.regions {
		fmt.Fprintf(buf, "  [%d] off=%d active=%t registered=%t\n",
			i, p.regions[i].offset, p.regions[i].active.Load(), p.regions[i].registered)
	}
	_, err := buf.WriteTo(w)
	return err
}
