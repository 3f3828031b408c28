package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/TrackFunnel/internal/broker/messages"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	last   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducer_PublishStageChanged(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	ev := messages.StageChanged{
		LeadID:        "52998224725",
		FromStageID:   10,
		ToStageID:     11,
		Category:      "customs",
		PaymentStatus: "pending",
		Reason:        "scheduled",
		ChangedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishJSON(context.Background(), messages.TopicStageChanged, ev.LeadID, ev))
	require.Len(t, fw.last, 1)
	require.Equal(t, messages.TopicStageChanged, fw.last[0].Topic)
	require.Equal(t, []byte(ev.LeadID), fw.last[0].Key)

	var got messages.StageChanged
	require.NoError(t, json.Unmarshal(fw.last[0].Value, &got))
	require.Equal(t, ev, got)

	require.NoError(t, p.Close())
	require.True(t, fw.closed)
}

func TestProducer_PublishWriteError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker unavailable")}
	p := newProducerWithWriter(fw)

	err := p.Publish(context.Background(), messages.TopicStageChanged, []byte("k"), []byte("{}"))
	require.ErrorIs(t, err, fw.err)
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"})
	require.NotNil(t, p)
	require.NoError(t, p.Close())
}
