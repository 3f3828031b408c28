// Package memleads is an in-process lead store, used for local runs and tests.
package memleads

import (
	"context"
	"sort"
	"sync"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/pkg/errors"
)

type Storage struct {
	mu    sync.RWMutex
	leads map[string]*models.Lead
}

func New() *Storage {
	return &Storage{leads: make(map[string]*models.Lead)}
}

func (s *Storage) Get(ctx context.Context, id string) (*models.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.StoreIO(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, errors.Wrapf(apperr.ErrUnknownRecord, "lead %s", id)
	}
	return l.Clone(), nil
}

func (s *Storage) Put(ctx context.Context, lead *models.Lead) error {
	if err := ctx.Err(); err != nil {
		return apperr.StoreIO(err)
	}
	if lead == nil || lead.ID == "" {
		return errors.Wrap(apperr.ErrInvalidInput, "lead id is required")
	}
	s.mu.Lock()
	s.leads[lead.ID] = lead.Clone()
	s.mu.Unlock()
	return nil
}

func (s *Storage) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return apperr.StoreIO(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[id]; !ok {
		return errors.Wrapf(apperr.ErrUnknownRecord, "lead %s", id)
	}
	delete(s.leads, id)
	return nil
}

// ListAll returns every lead ordered by creation time, then id.
func (s *Storage) ListAll(ctx context.Context) ([]*models.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.StoreIO(err)
	}
	s.mu.RLock()
	out := make([]*models.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, l.Clone())
	}
	s.mu.RUnlock()
	SortLeads(out)
	return out, nil
}

// SortLeads orders leads by CreatedAt, breaking ties by ID.
func SortLeads(leads []*models.Lead) {
	sort.Slice(leads, func(i, j int) bool {
		if !leads[i].CreatedAt.Equal(leads[j].CreatedAt) {
			return leads[i].CreatedAt.Before(leads[j].CreatedAt)
		}
		return leads[i].ID < leads[j].ID
	})
}
