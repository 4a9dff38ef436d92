package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/repositories"
)

const historyEntryIDPrefix = "osh_"

// HistoryLogger defines the logging contract used by the history writer.
type HistoryLogger interface {
	Warnf(format string, args ...any)
}

type statusHistoryService struct {
	repo   repositories.StatusHistoryRepository
	clock  func() time.Time
	newID  func() string
	logger HistoryLogger
}

// StatusHistoryServiceDeps bundles constructor inputs for the history writer.
type StatusHistoryServiceDeps struct {
	Repository  repositories.StatusHistoryRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      HistoryLogger
}

// NewStatusHistoryService creates a history writer backed by the supplied repository.
func NewStatusHistoryService(deps StatusHistoryServiceDeps) (StatusHistoryService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("status history service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopHistoryLogger{}
	}

	return &statusHistoryService{
		repo:   deps.Repository,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

// Record persists an audit entry. Repository failures are logged but do not
// bubble up, so the status change that produced the entry is never rolled
// back or blocked by its audit trail.
func (s *statusHistoryService) Record(ctx context.Context, record StatusHistoryRecord) {
	if s.repo == nil {
		return
	}
	entry := s.buildEntry(record)
	if entry.OrderID == "" {
		s.logger.Warnf("status history entry dropped: missing order id")
		return
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.Warnf("status history append failed for order %s: %v", entry.OrderID, err)
	}
}

// List returns the order's audit entries, newest first.
func (s *statusHistoryService) List(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	return s.repo.ListByOrder(ctx, orderID)
}

func (s *statusHistoryService) buildEntry(record StatusHistoryRecord) domain.StatusHistoryEntry {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	} else {
		occurred = occurred.UTC()
	}

	changedBy := strings.TrimSpace(record.ChangedByEmail)
	if changedBy == "" {
		changedBy = systemActorEmail
	}

	note := truncateRunes(strings.TrimSpace(record.Note), maxStatusNoteLength)

	return domain.StatusHistoryEntry{
		ID:             historyEntryIDPrefix + s.newID(),
		OrderID:        strings.TrimSpace(record.OrderID),
		FromStatus:     record.FromStatus,
		ToStatus:       record.ToStatus,
		ChangedAt:      occurred,
		ChangedByEmail: changedBy,
		Note:           note,
	}
}

type noopHistoryLogger struct{}

func (noopHistoryLogger) Warnf(string, ...any) {}
