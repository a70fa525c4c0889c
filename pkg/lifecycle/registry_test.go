package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type fakeInstance struct {
	id       int
	mu       sync.Mutex
	releases int
	done     chan struct{}
	once     sync.Once
	// hold keeps Wait blocked after Release until it is closed.
	hold chan struct{}
}

func (f *fakeInstance) Release(ctx context.Context) error {
	f.mu.Lock()
	f.releases++
	n := f.releases
	f.mu.Unlock()
	if n > 1 {
		return errors.New("released twice")
	}
	go func() {
		if f.hold != nil {
			<-f.hold
		}
		f.once.Do(func() { close(f.done) })
	}()
	return nil
}

func (f *fakeInstance) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeInstance) Releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

type RegistryTestSuite struct {
	suite.Suite
	ctx     context.Context
	mu      sync.Mutex
	built   []*fakeInstance
	hold    chan struct{}
	failErr error
	reg     *Registry[*fakeInstance]
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.built = nil
	s.hold = nil
	s.failErr = nil
	s.reg = New(s.factory, Options{Recheck: 5 * time.Millisecond, WaitBudget: 200 * time.Millisecond})
}

func (s *RegistryTestSuite) factory(ctx context.Context) (*fakeInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	f := &fakeInstance{id: len(s.built) + 1, done: make(chan struct{}), hold: s.hold}
	s.built = append(s.built, f)
	return f, nil
}

func (s *RegistryTestSuite) builds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.built)
}

func (s *RegistryTestSuite) waitState(want State) {
	s.Require().Eventually(func() bool {
		st, _ := s.reg.State()
		return st == want
	}, time.Second, time.Millisecond)
}

func (s *RegistryTestSuite) TestSharedInstance() {
	a, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	b, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Same(a.Instance(), b.Instance())
	s.Equal(1, s.builds())
	st, refs := s.reg.State()
	s.Equal(Live, st)
	s.Equal(2, refs)

	a.Close()
	a.Close()
	_, refs = s.reg.State()
	s.Equal(1, refs)

	b.Close()
	s.waitState(Gone)
	s.Equal(1, b.Instance().Releases())
}

func (s *RegistryTestSuite) TestReleaseThenAcquire() {
	h, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	first := h.Instance()
	s.Require().NoError(h.Release(s.ctx))
	s.Equal(1, first.Releases())

	h2, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	defer h2.Close()
	s.NotSame(first, h2.Instance())
	s.Equal(2, s.builds())
	s.Equal(1, first.Releases())
}

func (s *RegistryTestSuite) TestAcquireWaitsForRelease() {
	s.hold = make(chan struct{})
	h, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	changed := s.reg.Changed()
	s.Require().NoError(h.Release(s.ctx))
	<-changed
	st, _ := s.reg.State()
	s.Equal(Releasing, st)

	got := make(chan error, 1)
	go func() {
		h2, err := s.reg.Acquire(s.ctx)
		if err == nil {
			h2.Close()
		}
		got <- err
	}()
	select {
	case err := <-got:
		s.FailNow("acquire returned while releasing", "%v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(s.hold)
	s.NoError(<-got)
	s.Equal(2, s.builds())
}

func (s *RegistryTestSuite) TestReleaseTimeout() {
	s.hold = make(chan struct{})
	defer close(s.hold)
	h, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(h.Release(s.ctx))

	start := time.Now()
	_, err = s.reg.Acquire(s.ctx)
	s.ErrorIs(err, ErrReleaseTimeout)
	s.GreaterOrEqual(time.Since(start), 150*time.Millisecond)
	s.Equal(1, s.builds())
}

func (s *RegistryTestSuite) TestAcquireHonoursContext() {
	s.hold = make(chan struct{})
	defer close(s.hold)
	h, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(h.Release(s.ctx))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.reg.Acquire(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *RegistryTestSuite) TestFactoryFailure() {
	s.failErr = errors.New("open failed")
	_, err := s.reg.Acquire(s.ctx)
	s.ErrorIs(err, s.failErr)
	st, refs := s.reg.State()
	s.Equal(Gone, st)
	s.Zero(refs)

	s.failErr = nil
	h, err := s.reg.Acquire(s.ctx)
	s.Require().NoError(err)
	h.Close()
}

func (s *RegistryTestSuite) TestMissingDeviceNode() {
	dir := s.T().TempDir()
	reg := New(s.factory, Options{DevicePath: filepath.Join(dir, "oncrpc")})
	_, err := reg.Acquire(s.ctx)
	s.ErrorIs(err, ErrNoDevice)
	s.Zero(s.builds())

	s.Require().NoError(os.WriteFile(filepath.Join(dir, "oncrpc"), nil, 0o600))
	h, err := reg.Acquire(s.ctx)
	s.Require().NoError(err)
	h.Close()
}
