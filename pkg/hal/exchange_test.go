package hal

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/camera-hal/pkg/shm"
)

func testPool(t *testing.T, count int) *shm.Pool {
	t.Helper()
	p, err := shm.NewPool(context.Background(), shm.Options{
		Purpose:    shm.PurposePostview,
		RegionSize: 64,
		Count:      count,
		MapType:    shm.MemMapTypeHeap,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestRecordGateClosed(t *testing.T) {
	g := newRecordGate()
	called := false
	assert.False(t, g.deliver(shm.Buffer{}, func() { called = true }))
	assert.False(t, called)
}

func TestRecordGateBlocksUntilRelease(t *testing.T) {
	pool := testPool(t, 2)
	other := testPool(t, 2)
	g := newRecordGate()
	g.start()

	delivered := make(chan bool, 1)
	go func() {
		delivered <- g.deliver(pool.Buffer(0), func() {})
	}()

	require.Eventually(t, func() bool {
		d, _ := g.counts()
		return d == 1
	}, time.Second, time.Millisecond)

	assert.False(t, g.release(pool.Buffer(1)))
	assert.False(t, g.release(other.Buffer(0)))
	select {
	case <-delivered:
		t.Fatal("deliver returned before the frame was released")
	case <-time.After(20 * time.Millisecond):
	}

	assert.True(t, g.release(pool.Buffer(0)))
	assert.True(t, <-delivered)
	assert.False(t, g.release(pool.Buffer(0)))

	d, r := g.counts()
	assert.Equal(t, uint64(1), d)
	assert.Equal(t, uint64(1), r)
}

func TestRecordGateStopUnblocks(t *testing.T) {
	pool := testPool(t, 1)
	g := newRecordGate()
	g.start()

	delivered := make(chan bool, 1)
	go func() {
		delivered <- g.deliver(pool.Buffer(0), func() {})
	}()
	require.Eventually(t, func() bool {
		d, _ := g.counts()
		return d == 1
	}, time.Second, time.Millisecond)

	g.stop()
	assert.True(t, <-delivered)
	assert.False(t, g.isOpen())
	assert.False(t, g.release(pool.Buffer(0)))
}

func TestNextZoomRegion(t *testing.T) {
	p, err := shm.NewPool(context.Background(), shm.Options{
		Purpose:    shm.PurposePostview,
		RegionSize: 64,
		Count:      4,
		Extra:      2,
		MapType:    shm.MemMapTypeHeap,
	})
	require.NoError(t, err)
	defer p.Close(context.Background())

	x := &exchange{rec: newRecordGate()}
	assert.Equal(t, []int{5, 4, 5, 4}, []int{
		x.nextZoomRegion(p), x.nextZoomRegion(p), x.nextZoomRegion(p), x.nextZoomRegion(p),
	})
}

func TestMetricsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewMetrics(reg)
	b := NewMetrics(reg)
	a.FramesReceived.Inc()
	b.FramesReceived.Inc()
	assert.Equal(t, 2.0, counterValue(a.FramesReceived))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "camhal_frames_received_total")

	standalone := NewMetrics(nil)
	standalone.Timeouts.Inc()
	assert.Equal(t, 1.0, counterValue(standalone.Timeouts))
}
