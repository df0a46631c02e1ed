package auditlog

import (
	"context"

	"github.com/opencis/cis/internal/platform/middleware"
)

// Service persists access records. It implements middleware.AuditRecorder.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

var _ middleware.AuditRecorder = (*Service)(nil)

func (s *Service) RecordAccess(ctx context.Context, a middleware.AuditEntry) error {
	return s.repo.Insert(ctx, FromAccess(a))
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}
