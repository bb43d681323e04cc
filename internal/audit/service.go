package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mwale/fraudlens/internal/idgen"
)

// Service writes and reads audit entries.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates the audit service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Record appends an entry. Best-effort: failures are logged, the
// audited operation proceeds regardless.
func (s *Service) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := s.store.Append(ctx, &e); err != nil {
		s.logger.ErrorContext(ctx, "audit write failed",
			"action", e.Action,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"error", err)
	}
}

// List returns entries matching the filter plus the unpaged total.
func (s *Service) List(ctx context.Context, f Filter) ([]*Entry, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return s.store.List(ctx, f)
}
