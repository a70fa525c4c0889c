package shm

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []RegionDescriptor
	unregistered []RegionDescriptor
	failAt       int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{failAt: -1}
}

func (f *fakeRegistrar) RegisterRegion(ctx context.Context, desc RegionDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt == len(f.registered) {
		return errors.New("register failed")
	}
	f.registered = append(f.registered, desc)
	return nil
}

func (f *fakeRegistrar) UnregisterRegion(ctx context.Context, desc RegionDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, desc)
	return nil
}

type PoolTestSuite struct {
	suite.Suite
	ctx context.Context
	reg *fakeRegistrar
}

func (s *PoolTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.reg = newFakeRegistrar()
}

func (s *PoolTestSuite) newPool(purpose Purpose, kind BufferKind, size, count, extra int) *Pool {
	p, err := NewPool(s.ctx, Options{
		Purpose:    purpose,
		RegionSize: size,
		Count:      count,
		Extra:      extra,
		Kind:       kind,
		Registrar:  s.reg,
		MapType:    MemMapTypeHeap,
	})
	s.Require().Nil(err)
	return p
}

func (s *PoolTestSuite) TestRecordActiveWindow() {
	p := s.newPool(PurposeRecord, KindVideo, 4096, 8, 0)
	defer p.Close(s.ctx)

	s.Require().Len(s.reg.registered, 8)
	for i := 0; i < 8; i++ {
		s.Require().Equal(i < 3, p.Active(i), "region %d", i)
		s.Require().Equal(i < 3, s.reg.registered[i].Active, "descriptor %d", i)
	}
}

func (s *PoolTestSuite) TestRegisterUnregisterSymmetry() {
	for _, tc := range []struct {
		purpose Purpose
		kind    BufferKind
		count   int
	}{
		{PurposeSnapshot, KindMainImage, 1},
		{PurposeSnapshot, KindRawMainImage, 3},
		{PurposeThumbnail, KindThumbnail, 2},
	} {
		s.reg = newFakeRegistrar()
		p := s.newPool(tc.purpose, tc.kind, 10000, tc.count, 0)
		s.Require().Len(s.reg.registered, tc.count)
		for i := 0; i < tc.count; i++ {
			s.Require().True(p.Active(i))
		}
		s.Require().Nil(p.Close(s.ctx))
		s.Require().Len(s.reg.unregistered, tc.count)
		for i := range s.reg.registered {
			s.Require().Equal(s.reg.registered[i].Offset, s.reg.unregistered[i].Offset)
			s.Require().False(s.reg.unregistered[i].Active)
		}
	}
}

func (s *PoolTestSuite) TestPreviewRingAndExtraRegions() {
	p := s.newPool(PurposePreview, KindPreview, 480*320*3/2, 4, 2)
	defer p.Close(s.ctx)

	s.Require().Equal(6, p.Len())
	s.Require().Equal(4, p.Registered())
	s.Require().Len(s.reg.registered, 4)
	s.Require().True(p.Active(0))
	s.Require().True(p.Active(2))
	s.Require().False(p.Active(3))
	s.Require().False(p.Active(4))
	s.Require().False(p.Active(5))
	s.Require().Equal(PageAlign(480*320*3/2), p.Stride())
	s.Require().Equal(p.Stride()*6, p.Size())
}

func (s *PoolTestSuite) TestChromaOffset() {
	frame := 480 * 320 * 3 / 2
	p := s.newPool(PurposePreview, KindPreview, frame, 2, 0)
	s.Require().Equal(uint32(153600), s.reg.registered[0].CbCrOffset)
	s.Require().Equal(uint32(frame), s.reg.registered[0].Len)
	s.Require().Equal(uint32(p.Stride()), s.reg.registered[1].Offset)
	p.Close(s.ctx)

	s.reg = newFakeRegistrar()
	raw := s.newPool(PurposeSnapshot, KindRawMainImage, frame, 1, 0)
	s.Require().Equal(uint32(0), s.reg.registered[0].CbCrOffset)
	raw.Close(s.ctx)

	s.Require().Equal(uint32(8), padToWord(5))
	s.Require().Equal(uint32(8), padToWord(8))
}

func (s *PoolTestSuite) TestUnregisteredPurposes() {
	for _, purpose := range []Purpose{PurposePostview, PurposeJpeg} {
		p, err := NewPool(s.ctx, Options{Purpose: purpose, RegionSize: 1024, Count: 2, MapType: MemMapTypeHeap})
		s.Require().Nil(err)
		s.Require().True(p.Active(0))
		s.Require().Nil(p.Close(s.ctx))
	}
	s.Require().Len(s.reg.registered, 0)
	s.Require().Len(s.reg.unregistered, 0)
}

func (s *PoolTestSuite) TestRegistrationFailureUnwinds() {
	s.reg.failAt = 2
	p, err := NewPool(s.ctx, Options{
		Purpose:    PurposeSnapshot,
		RegionSize: 4096,
		Count:      4,
		Kind:       KindMainImage,
		Registrar:  s.reg,
		MapType:    MemMapTypeHeap,
	})
	s.Require().Nil(p)
	s.Require().True(errors.Is(err, ErrAllocation))
	s.Require().Len(s.reg.registered, 2)
	s.Require().Len(s.reg.unregistered, 2)
}

func (s *PoolTestSuite) TestMissingRegistrar() {
	_, err := NewPool(s.ctx, Options{Purpose: PurposePreview, RegionSize: 4096, Count: 4, MapType: MemMapTypeHeap})
	s.Require().True(errors.Is(err, ErrAllocation))

	_, err = NewPool(s.ctx, Options{Purpose: PurposeJpeg, RegionSize: 0, Count: 1, MapType: MemMapTypeHeap})
	s.Require().True(errors.Is(err, ErrAllocation))
}

func (s *PoolTestSuite) TestDoubleClosePanics() {
	p := s.newPool(PurposeThumbnail, KindThumbnail, 4096, 1, 0)
	s.Require().Nil(p.Close(s.ctx))
	s.Require().True(p.Closed())
	s.Require().Panics(func() { _ = p.Close(s.ctx) })
	s.Require().Len(s.reg.unregistered, 1)
}

func (s *PoolTestSuite) TestLookupAndBuffers() {
	p := s.newPool(PurposePreview, KindPreview, 1000, 4, 2)
	stride := p.Stride()

	s.Require().Equal(0, p.IndexOf(0))
	s.Require().Equal(0, p.IndexOf(stride-1))
	s.Require().Equal(3, p.IndexOf(3*stride+17))
	s.Require().Equal(5, p.IndexOfAddr(p.Base()+uintptr(5*stride)))

	b := p.Buffer(2)
	s.Require().Equal(2*stride, b.Offset)
	s.Require().Equal(1000, b.Len)
	copy(b.Bytes(), []byte("frame"))
	s.Require().Equal([]byte("frame"), p.Region(2)[:5])

	s.Require().Equal(stride, p.Slice(1, stride*4).Len)

	p.SetActive(3, true)
	s.Require().True(p.Descriptor(3).Active)

	var out bytes.Buffer
	s.Require().Nil(p.Dump(&out))
	s.Require().Contains(out.String(), "purpose=preview")
	s.Require().Contains(out.String(), "[5]")

	s.Require().Nil(p.Close(s.ctx))
	s.Require().False(b.Valid())
	s.Require().Nil(b.Bytes())
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}
