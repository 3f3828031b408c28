package redisleads

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := New(mr.Addr())
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestStorage_PutGetDelete(t *testing.T) {
	st, mr := newStorage(t)
	ctx := context.Background()
	require.NoError(t, st.Ping(ctx))

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &models.Lead{
		ID: "52998224725", Name: "Ana", City: "Recife", CurrentStageID: 12,
		PaymentStatus: models.PaymentStatusPaid,
		Checkpoints:   map[string]bool{"customs": true},
		CreatedAt:     now, UpdatedAt: now,
	}
	require.NoError(t, st.Put(ctx, in))
	require.True(t, mr.Exists("funnel:lead:52998224725"))

	got, err := st.Get(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, in.Name, got.Name)
	require.Equal(t, in.City, got.City)
	require.Equal(t, 12, got.CurrentStageID)
	require.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)
	require.Equal(t, map[string]bool{"customs": true}, got.Checkpoints)
	require.True(t, in.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, st.Delete(ctx, in.ID))
	_, err = st.Get(ctx, in.ID)
	require.ErrorIs(t, err, apperr.ErrUnknownRecord)
	require.ErrorIs(t, st.Delete(ctx, in.ID), apperr.ErrUnknownRecord)

	members, err := mr.Members("funnel:leads")
	if err == nil {
		require.Empty(t, members)
	}
}

func TestStorage_ListAll(t *testing.T) {
	st, mr := newStorage(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	require.NoError(t, st.Put(ctx, &models.Lead{ID: "2", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, st.Put(ctx, &models.Lead{ID: "1", CreatedAt: t0}))
	require.NoError(t, st.Put(ctx, &models.Lead{ID: "3", CreatedAt: t0.Add(time.Hour)}))

	// dangling index entry is skipped
	mr.Del("funnel:lead:3")

	all, err = st.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "1", all[0].ID)
	require.Equal(t, "2", all[1].ID)
}

func TestStorage_PrefixAndErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	ctx := context.Background()

	require.ErrorIs(t, st.Put(ctx, &models.Lead{}), apperr.ErrInvalidInput)
	require.NoError(t, st.Put(ctx, &models.Lead{ID: "x"}))
	require.True(t, mr.Exists("test:lead:x"))

	require.NoError(t, mr.Set("test:lead:bad", "{"))
	_, err := st.Get(ctx, "bad")
	require.ErrorIs(t, err, apperr.ErrStoreIO)

	mr.Close()
	_, err = st.Get(ctx, "x")
	require.ErrorIs(t, err, apperr.ErrStoreIO)
	require.True(t, apperr.IsTransient(err))
}
