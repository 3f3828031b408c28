package leads

import (
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/services/batch"
)

func (s *ServiceSuite) TestBatchAdvanceThroughService() {
	s.create("a", 3)
	s.create("b", 11)
	s.create("c", 15)

	ex := batch.New(s.svc)
	h, err := ex.StartBatch(s.ctx, "admin", batch.Advance(), []string{"a", "b", "c", "missing"}, nil)
	s.Require().NoError(err)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		s.FailNow("batch did not finish")
	}
	r := h.Snapshot()
	s.Equal(4, r.Total)
	s.Equal(2, r.SuccessCount)
	s.Equal(2, r.ErrorCount)
	s.Require().Len(r.Errors, 2)
	s.Equal("b", r.Errors[0].RecordID)
	s.Equal(apperr.Kind(apperr.ErrPaymentRequired), r.Errors[0].Kind)
	s.Equal("unknown_record", r.Errors[1].Kind)

	a, _ := s.svc.Get(s.ctx, "a")
	c, _ := s.svc.Get(s.ctx, "c")
	s.Equal(4, a.CurrentStageID)
	s.Equal(16, c.CurrentStageID)
}

func (s *ServiceSuite) TestBatchDeleteThroughService() {
	s.create("a", 1)
	s.create("b", 2)

	ex := batch.New(s.svc)
	h, err := ex.StartBatch(s.ctx, "admin", batch.Delete(), []string{"a", "b"}, nil)
	s.Require().NoError(err)
	<-h.Done()

	s.Equal(2, h.Snapshot().SuccessCount)
	s.Zero(s.runner.Pending())
	all, total, err := s.svc.List(s.ctx, ListFilter{})
	s.Require().NoError(err)
	s.Zero(total)
	s.Empty(all)
}
