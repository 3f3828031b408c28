// Package redisleads stores leads in Redis as JSON values, with a set
// holding every known id.
package redisleads

import (
	"context"
	"encoding/json"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/storage/memleads"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "funnel:"

type Storage struct {
	c      *redis.Client
	prefix string
}

func New(addr string) *Storage {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), defaultPrefix)
}

func NewWithClient(c *redis.Client, prefix string) *Storage {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Storage{c: c, prefix: prefix}
}

func (s *Storage) leadKey(id string) string { return s.prefix + "lead:" + id }
func (s *Storage) indexKey() string         { return s.prefix + "leads" }

func (s *Storage) Get(ctx context.Context, id string) (*models.Lead, error) {
	b, err := s.c.Get(ctx, s.leadKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(apperr.ErrUnknownRecord, "lead %s", id)
	}
	if err != nil {
		return nil, apperr.StoreIO(errors.Wrap(err, "redis get lead"))
	}
	var l models.Lead
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, apperr.StoreIO(errors.Wrapf(err, "decode lead %s", id))
	}
	return &l, nil
}

func (s *Storage) Put(ctx context.Context, lead *models.Lead) error {
	if lead == nil || lead.ID == "" {
		return errors.Wrap(apperr.ErrInvalidInput, "lead id is required")
	}
	b, err := json.Marshal(lead)
	if err != nil {
		return errors.Wrap(err, "encode lead")
	}
	pipe := s.c.TxPipeline()
	pipe.Set(ctx, s.leadKey(lead.ID), b, 0)
	pipe.SAdd(ctx, s.indexKey(), lead.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.StoreIO(errors.Wrap(err, "redis put lead"))
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, id string) error {
	pipe := s.c.TxPipeline()
	del := pipe.Del(ctx, s.leadKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.StoreIO(errors.Wrap(err, "redis delete lead"))
	}
	if del.Val() == 0 {
		return errors.Wrapf(apperr.ErrUnknownRecord, "lead %s", id)
	}
	return nil
}

func (s *Storage) ListAll(ctx context.Context) ([]*models.Lead, error) {
	ids, err := s.c.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, apperr.StoreIO(errors.Wrap(err, "redis list ids"))
	}
	if len(ids) == 0 {
		return []*models.Lead{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.leadKey(id)
	}
	vals, err := s.c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.StoreIO(errors.Wrap(err, "redis mget leads"))
	}

	out := make([]*models.Lead, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry without a value; the lead was deleted concurrently
			continue
		}
		var l models.Lead
		if err := json.Unmarshal([]byte(str), &l); err != nil {
			return nil, apperr.StoreIO(errors.Wrapf(err, "decode lead %s", ids[i]))
		}
		out = append(out, &l)
	}
	memleads.SortLeads(out)
	return out, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.c.Ping(ctx).Err(); err != nil {
		return apperr.StoreIO(errors.Wrap(err, "redis ping"))
	}
	return nil
}

func (s *Storage) Close() error {
	return s.c.Close()
}
