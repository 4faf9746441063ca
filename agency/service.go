package agency

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Agency, error)
	List(ctx context.Context, limit int) ([]Agency, error)
}

// Service exposes agency lookups to the other packages.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the agency for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Agency, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Agency{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit agencies.
func (s *Service) List(ctx context.Context, limit int) ([]Agency, error) {
	return s.repo.List(ctx, limit)
}

// Exists reports whether id names a known agency.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// KindOf returns the network of agency id.
func (s *Service) KindOf(ctx context.Context, id string) (Kind, error) {
	a, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return a.Kind, nil
}
