package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/TrackFunnel/internal/stages"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type randMock struct {
	mock.Mock
}

func (m *randMock) Intn(n int) int {
	args := m.Called(n)
	return args.Int(0)
}

type PlannerSuite struct {
	suite.Suite
	catalog *stages.Catalog
}

func (s *PlannerSuite) SetupTest() {
	s.catalog = stages.MustDefault()
}

func (s *PlannerSuite) TestDefaults() {
	p := NewPlanner(s.catalog, PlannerConfig{}, nil)
	s.Equal(DefaultPlannerConfig(), p.cfg)
}

func (s *PlannerSuite) TestNext_ByCategory() {
	m := &randMock{}
	m.On("Intn", 3601).Return(600).Once()

	p := NewPlanner(s.catalog, PlannerConfig{
		OriginDelay:     time.Minute,
		CustomsDelay:    2 * time.Minute,
		TransitMinDelay: time.Hour,
		TransitMaxDelay: 2 * time.Hour,
		RedeliveryDelay: 3 * time.Minute,
	}, m)

	next, d, ok := p.Next(1)
	s.True(ok)
	s.Equal(2, next)
	s.Equal(time.Minute, d)

	next, d, ok = p.Next(8)
	s.True(ok)
	s.Equal(9, next)
	s.Equal(2*time.Minute, d)

	next, d, ok = p.Next(5)
	s.True(ok)
	s.Equal(6, next)
	s.Equal(time.Hour+10*time.Minute, d)

	next, d, ok = p.Next(17)
	s.True(ok)
	s.Equal(18, next)
	s.Equal(3*time.Minute, d)

	m.AssertExpectations(s.T())
}

func (s *PlannerSuite) TestNext_CheckpointsWait() {
	p := NewPlanner(s.catalog, DefaultPlannerConfig(), &randMock{})
	for _, id := range []int{11, 16, 20, 24} {
		_, _, ok := p.Next(id)
		s.False(ok, "stage %d", id)
	}
	_, _, ok := p.Next(0)
	s.False(ok)
}

func (s *PlannerSuite) TestNext_FixedTransitSkipsRand() {
	m := &randMock{}
	p := NewPlanner(s.catalog, PlannerConfig{TransitMinDelay: time.Hour, TransitMaxDelay: time.Minute}, m)

	_, d, ok := p.Next(13)
	s.True(ok)
	s.Equal(time.Hour, d)
	m.AssertNotCalled(s.T(), "Intn", mock.Anything)
}

// exclusiveRand records whether two Intn calls ever overlapped.
type exclusiveRand struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (r *exclusiveRand) Intn(n int) int {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	time.Sleep(50 * time.Microsecond)
	r.inFlight.Add(-1)
	return n / 2
}

func (s *PlannerSuite) TestNext_ConcurrentCallsSerializeRand() {
	r := &exclusiveRand{}
	p := NewPlanner(s.catalog, PlannerConfig{}, r)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, d, ok := p.Next(13)
				s.True(ok)
				s.Equal(24*time.Hour, d)
			}
		}()
	}
	wg.Wait()
	s.False(r.overlap.Load())
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
