package payment

import (
	"testing"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/stages"
	"github.com/stretchr/testify/suite"
)

type GateSuite struct {
	suite.Suite
	gate *Gate
}

func (s *GateSuite) SetupTest() {
	s.gate = NewGate(stages.MustDefault())
}

func (s *GateSuite) TestStageForKey() {
	id, err := s.gate.StageForKey(KeyCustoms)
	s.Require().NoError(err)
	s.Equal(11, id)

	id, err = s.gate.StageForKey("delivery:1")
	s.Require().NoError(err)
	s.Equal(16, id)

	id, err = s.gate.StageForKey("delivery:3")
	s.Require().NoError(err)
	s.Equal(24, id)

	for _, bad := range []string{"", "delivery:", "delivery:0", "delivery:x", "taxes"} {
		_, err := s.gate.StageForKey(bad)
		s.Require().ErrorIs(err, apperr.ErrInvalidCheckpoint, bad)
	}
}

func (s *GateSuite) TestKeyForStage() {
	key, ok := s.gate.KeyForStage(11)
	s.True(ok)
	s.Equal(KeyCustoms, key)

	key, ok = s.gate.KeyForStage(20)
	s.True(ok)
	s.Equal("delivery:2", key)

	_, ok = s.gate.KeyForStage(12)
	s.False(ok)
	_, ok = s.gate.KeyForStage(17)
	s.False(ok)
}

func (s *GateSuite) TestParseKey() {
	key, err := s.gate.ParseKey("  Customs ")
	s.Require().NoError(err)
	s.Equal(KeyCustoms, key)

	_, err = s.gate.ParseKey("nope")
	s.Require().ErrorIs(err, apperr.ErrInvalidCheckpoint)
}

func (s *GateSuite) TestMarkSatisfied_Idempotent() {
	lead := &models.Lead{ID: "1", CurrentStageID: 11, PaymentStatus: models.PaymentStatusPending}
	s.False(s.gate.IsSatisfied(lead, KeyCustoms))

	s.Require().NoError(s.gate.MarkSatisfied(lead, KeyCustoms))
	once := lead.Clone()
	s.Require().NoError(s.gate.MarkSatisfied(lead, KeyCustoms))

	s.Equal(once, lead)
	s.True(s.gate.IsSatisfied(lead, KeyCustoms))
	s.Equal(models.PaymentStatusPaid, lead.PaymentStatus)

	s.Require().ErrorIs(s.gate.MarkSatisfied(lead, "bogus"), apperr.ErrInvalidCheckpoint)
}

func (s *GateSuite) TestReset_ClearsAtOrAfter() {
	lead := &models.Lead{ID: "1", Checkpoints: map[string]bool{
		KeyCustoms:   true,
		"delivery:1": true,
		"delivery:2": true,
	}}

	s.True(s.gate.Reset(lead, 16))
	s.True(s.gate.IsSatisfied(lead, KeyCustoms))
	s.False(s.gate.IsSatisfied(lead, "delivery:1"))
	s.False(s.gate.IsSatisfied(lead, "delivery:2"))
	s.Equal(models.PaymentStatusPending, lead.PaymentStatus)

	// nothing left at or after 12
	s.False(s.gate.Reset(lead, 12))

	s.True(s.gate.Reset(lead, 11))
	s.Empty(lead.Checkpoints)
}

func (s *GateSuite) TestCheckpointsBetween() {
	got := s.gate.CheckpointsBetween(1, 21)
	s.Equal([]Checkpoint{
		{Key: KeyCustoms, StageID: 11},
		{Key: "delivery:1", StageID: 16},
		{Key: "delivery:2", StageID: 20},
	}, got)

	s.Empty(s.gate.CheckpointsBetween(12, 16))
	s.Equal([]Checkpoint{{Key: KeyCustoms, StageID: 11}}, s.gate.CheckpointsBetween(11, 12))
}

func (s *GateSuite) TestCanCross() {
	lead := &models.Lead{ID: "1", CurrentStageID: 10}

	// landing on the gate is fine
	s.NoError(s.gate.CanCross(lead, 10, 11))
	s.ErrorIs(s.gate.CanCross(lead, 11, 12), apperr.ErrPaymentRequired)
	s.NoError(s.gate.CanCross(lead, 12, 11))

	s.Require().NoError(s.gate.MarkSatisfied(lead, KeyCustoms))
	s.NoError(s.gate.CanCross(lead, 11, 12))
	s.ErrorIs(s.gate.CanCross(lead, 12, 17), apperr.ErrPaymentRequired)
}

func (s *GateSuite) TestStageForKey_PastMaxAttempts() {
	maxOrd := stages.MustDefault().Cycle().MaxAttempts()
	_, err := s.gate.StageForKey(DeliveryKey(maxOrd))
	s.Require().NoError(err)

	for _, bad := range []string{DeliveryKey(maxOrd + 1), "delivery:4611686018427387904", "delivery:99999999999999999999"} {
		_, err := s.gate.StageForKey(bad)
		s.Require().ErrorIs(err, apperr.ErrInvalidCheckpoint, bad)
	}
}

func (s *GateSuite) TestMarkSatisfied_OtherCheckpointLeavesStatus() {
	lead := &models.Lead{ID: "1", CurrentStageID: 11, PaymentStatus: models.PaymentStatusPending}

	s.Require().NoError(s.gate.MarkSatisfied(lead, "delivery:1"))
	s.True(s.gate.IsSatisfied(lead, "delivery:1"))
	s.Equal(models.PaymentStatusPending, lead.PaymentStatus)

	s.Require().NoError(s.gate.MarkSatisfied(lead, KeyCustoms))
	s.Equal(models.PaymentStatusPaid, lead.PaymentStatus)
}

func (s *GateSuite) TestIsSatisfied_LaterAttemptCoversEarlier() {
	lead := &models.Lead{ID: "1", CurrentStageID: 25, Checkpoints: map[string]bool{"delivery:3": true}}
	s.True(s.gate.IsSatisfied(lead, "delivery:1"))
	s.True(s.gate.IsSatisfied(lead, "delivery:2"))
	s.False(s.gate.IsSatisfied(lead, "delivery:4"))
	s.False(s.gate.IsSatisfied(lead, KeyCustoms))

	// a payment ahead of the lead covers nothing behind it
	ahead := &models.Lead{ID: "2", CurrentStageID: 16, Checkpoints: map[string]bool{"delivery:2": true}}
	s.False(s.gate.IsSatisfied(ahead, "delivery:1"))
	s.ErrorIs(s.gate.CanCross(ahead, 16, 17), apperr.ErrPaymentRequired)
}

func (s *GateSuite) TestSatisfyBehind() {
	lead := &models.Lead{ID: "1", CurrentStageID: 30}
	s.True(s.gate.SatisfyBehind(lead, 30))
	s.Equal(map[string]bool{KeyCustoms: true, "delivery:4": true}, lead.Checkpoints)

	early := &models.Lead{ID: "2", CurrentStageID: 11}
	s.False(s.gate.SatisfyBehind(early, 11))
	s.Nil(early.Checkpoints)
}

func (s *GateSuite) TestReset_KeepsCoveredAttempts() {
	lead := &models.Lead{ID: "1", CurrentStageID: 28, Checkpoints: map[string]bool{KeyCustoms: true, "delivery:4": true}}

	s.True(s.gate.Reset(lead, 28))
	s.Equal(map[string]bool{KeyCustoms: true, "delivery:3": true}, lead.Checkpoints)
	s.Equal(models.PaymentStatusPending, lead.PaymentStatus)
}

func (s *GateSuite) TestCheckpointsBetween_Bounded() {
	cyc := stages.MustDefault().Cycle()

	all := s.gate.CheckpointsBetween(1, 1<<62)
	s.Len(all, cyc.MaxAttempts()+1)
	s.Equal(cyc.LastStageID()-cyc.Length()+1, all[len(all)-1].StageID)

	s.Empty(s.gate.CheckpointsBetween(cyc.LastStageID()+1, 1<<62))
	s.Equal([]Checkpoint{{Key: "delivery:2", StageID: 20}}, s.gate.CheckpointsBetween(17, 24))
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}
